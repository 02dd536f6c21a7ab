// Package gemini implements the model client against a generateContent
// style HTTP endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/adapter/observability"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	obsctx "github.com/fairyhunter13/doc-transcribe-worker/internal/observability"
)

// Client calls the inference endpoint over HTTP.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	hc       *http.Client
}

// New constructs a Client from config. When MODEL_ENDPOINT is empty the
// public Generative Language API endpoint for the configured model is used.
func New(cfg config.Config) *Client {
	endpoint := cfg.ModelEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(
			"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent",
			cfg.ModelName)
	}
	return &Client{
		endpoint: endpoint,
		model:    cfg.ModelName,
		apiKey:   os.Getenv("GEMINI_API_KEY"),
		hc:       &http.Client{Timeout: 5 * time.Minute},
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// OCRPage sends one rasterized page with the OCR prompt and returns the
// model's text output.
func (c *Client) OCRPage(ctx context.Context, pagePNG []byte, prompt string) (string, error) {
	return c.generate(ctx, "ocr_page", prompt, &inlineData{
		MimeType: "image/png",
		Data:     base64.StdEncoding.EncodeToString(pagePNG),
	})
}

// TranscribeChunk sends one audio chunk file with the transcription prompt.
func (c *Client) TranscribeChunk(ctx context.Context, audioPath, prompt string) (string, error) {
	raw, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("op=gemini.TranscribeChunk path=%s: %w: %v", audioPath, domain.ErrInputNotFound, err)
	}
	mime := "audio/mpeg"
	if mt := mimetype.Detect(raw); mt != nil && strings.HasPrefix(mt.String(), "audio/") {
		mime = mt.String()
	}
	return c.generate(ctx, "transcribe_chunk", prompt, &inlineData{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(raw),
	})
}

// generate posts one request. Server-side 5xx responses are retried a few
// times; 429 and other client errors propagate so the recovery policy can
// classify them.
func (c *Client) generate(ctx context.Context, operation, prompt string, data *inlineData) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: prompt}, {InlineData: data}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("op=gemini.generate: %w", err)
	}

	started := time.Now()
	op := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("op=gemini.generate: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("x-goog-api-key", c.apiKey)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return "", fmt.Errorf("op=gemini.generate model=%s: %w", c.model, err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		snippet := raw
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return "", backoff.Permanent(fmt.Errorf("op=gemini.generate model=%s: 429 rate limit: %s", c.model, snippet))
		case resp.StatusCode >= 500:
			return "", fmt.Errorf("op=gemini.generate model=%s: upstream %d: %s", c.model, resp.StatusCode, snippet)
		case resp.StatusCode != http.StatusOK:
			return "", backoff.Permanent(fmt.Errorf("op=gemini.generate model=%s: status %d: %s", c.model, resp.StatusCode, snippet))
		}

		var out generateResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", backoff.Permanent(fmt.Errorf("op=gemini.generate model=%s: decode: %w", c.model, err))
		}
		var sb strings.Builder
		for _, cand := range out.Candidates {
			for _, p := range cand.Content.Parts {
				sb.WriteString(p.Text)
			}
		}
		return sb.String(), nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	text, err := backoff.RetryWithData(op, bo)
	if err != nil {
		observability.ObserveModelRequest(operation, "error", time.Since(started))
		obsctx.LoggerFromContext(ctx).Warn("model_request_failed",
			slog.String("operation", operation),
			slog.String("model", c.model),
			slog.String("job_id", obsctx.JobIDFromContext(ctx)),
			slog.String("request_id", obsctx.RequestIDFromContext(ctx)),
			slog.Any("error", err))
		return "", err
	}
	observability.ObserveModelRequest(operation, "ok", time.Since(started))
	return text, nil
}

var _ domain.ModelClient = (*Client)(nil)
