package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/service/prompt"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/service/quality"
	"github.com/fairyhunter13/doc-transcribe-worker/pkg/textx"
)

// OCRPipeline rasterizes a PDF in bounded batches, OCRs each page with
// per-page empty-output retries, scores every page and uploads the
// concatenated text.
type OCRPipeline struct {
	Status  domain.StatusStore
	Blobs   domain.BlobStore
	Model   domain.ModelClient
	Raster  domain.Rasterizer
	Prompts *prompt.Registry
	Quality quality.Settings
	Cfg     config.Config
}

// Run executes one OCR job.
func (p *OCRPipeline) Run(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error) {
	started := time.Now()
	if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
		return domain.PipelineResult{}, err
	}

	pdfPath, cleanup, err := p.resolveInput(ctx, job)
	if err != nil {
		return domain.PipelineResult{}, err
	}
	defer cleanup()

	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"status":   domain.StatusProcessing,
		"stage":    "Loading PDF",
		"progress": "5",
		"eta_sec":  "120",
	}, "ocr_load"); err != nil {
		return domain.PipelineResult{}, err
	}
	p.Blobs.AppendJobLog(ctx, jobID, "ocr_start file="+job.Filename)

	total, err := p.Raster.PageCount(ctx, pdfPath)
	if err != nil {
		return domain.PipelineResult{}, err
	}
	if total < 1 {
		return domain.PipelineResult{}, fmt.Errorf("op=ocr.Run job_id=%s: pdf could not be decoded: zero pages", jobID)
	}

	pagePrompt, err := p.pagePrompt(job)
	if err != nil {
		return domain.PipelineResult{}, err
	}

	batch := p.Cfg.OCRPageBatchSize
	if batch <= 0 {
		batch = total
	}

	texts := make([]string, 0, total)
	scores := make([]float64, 0, total)
	var hints []string

	for first := 1; first <= total; first += batch {
		last := first + batch - 1
		if last > total {
			last = total
		}
		if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
			return domain.PipelineResult{}, err
		}
		pages, err := p.Raster.RasterizeRange(ctx, pdfPath, p.Cfg.OCRDPI, first, last)
		if err != nil {
			return domain.PipelineResult{}, err
		}
		for _, page := range pages {
			text, pageHints, score, err := p.processPage(ctx, jobID, page, total, pagePrompt, started)
			if err != nil {
				return domain.PipelineResult{}, err
			}
			texts = append(texts, text)
			scores = append(scores, score)
			hints = append(hints, pageHints...)
		}
	}

	if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
		return domain.PipelineResult{}, err
	}
	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"status":   domain.StatusProcessing,
		"stage":    "Finalizing OCR",
		"progress": "95",
	}, "ocr_finalize"); err != nil {
		return domain.PipelineResult{}, err
	}

	body := strings.Join(texts, "\n\n")
	if p.Cfg.OutputTextBOM {
		body = "\uFEFF" + body
	}

	outName := outputFilename(job)
	dest := fmt.Sprintf("jobs/%s/%s", jobID, outName)
	upload, err := p.Blobs.UploadText(ctx, body, dest)
	if err != nil {
		return domain.PipelineResult{}, err
	}

	avg, lowPages := quality.SummarizeDocumentQuality(scores, p.Quality.OCRLowThreshold)
	if len(hints) > 10 {
		hints = hints[:10]
	}
	lowJSON := mustJSON(lowPages)
	hintsJSON := mustJSON(hints)

	duration := time.Since(started).Seconds()
	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"status":               domain.StatusCompleted,
		"stage":                "Completed",
		"progress":             "100",
		"output_path":          upload.GCSURI,
		"output_filename":      outName,
		"signed_url":           upload.SignedURL,
		"ocr_quality_score":    strconv.FormatFloat(avg, 'f', 2, 64),
		"low_confidence_pages": lowJSON,
		"quality_hints":        hintsJSON,
		"duration_sec":         strconv.FormatFloat(duration, 'f', 2, 64),
		"error_code":           "",
		"error_message":        "",
		"error_detail":         "",
		"error":                "",
	}, "ocr_complete"); err != nil {
		return domain.PipelineResult{}, err
	}
	p.Blobs.AppendJobLog(ctx, jobID,
		fmt.Sprintf("ocr_complete pages=%d score=%.2f duration_sec=%.2f", total, avg, duration))

	return domain.PipelineResult{
		OutputPath:     upload.GCSURI,
		OutputFilename: outName,
		SignedURL:      upload.SignedURL,
		Units:          total,
		QualityScore:   avg,
		DurationSec:    duration,
	}, nil
}

// processPage OCRs one page with empty-output retries and scores it.
func (p *OCRPipeline) processPage(ctx context.Context, jobID string, page domain.Page, total int, tmpl string, started time.Time) (string, []string, float64, error) {
	if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
		return "", nil, 0, err
	}
	idx := page.Index
	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"status":       domain.StatusProcessing,
		"stage":        fmt.Sprintf("OCR page %d/%d", idx, total),
		"progress":     strconv.Itoa(10 + 80*idx/total),
		"current_page": strconv.Itoa(idx),
		"total_pages":  strconv.Itoa(total),
		"eta_sec":      strconv.Itoa(etaSeconds(started, idx, total)),
	}, "ocr_page"); err != nil {
		return "", nil, 0, err
	}

	var hints []string
	text, err := p.ocrWithRetries(ctx, jobID, page, tmpl)
	if err != nil {
		// the empty-page fallback covers only exhausted empty responses;
		// transport and model failures propagate to the recovery policy
		if !errors.Is(err, errEmptyPage) || !p.Cfg.OCRAllowEmptyPageFallback {
			return "", nil, 0, err
		}
		slog.Warn("ocr_empty_page_fallback",
			slog.String("job_id", jobID),
			slog.Int("page", idx))
		text = ""
		hints = append(hints, fmt.Sprintf("Page %d: OCR response was empty after retries", idx))
	}

	score, metrics, pageHints := quality.ScorePage(text, page.Image, p.Quality.Weights, p.Quality.Guards)
	for _, h := range pageHints {
		hints = append(hints, fmt.Sprintf("Page %d: %s", idx, h))
	}
	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"ocr_page_score":   strconv.FormatFloat(score, 'f', 2, 64),
		"ocr_page_metrics": mustJSON(metrics),
	}, "ocr_page_score"); err != nil {
		return "", nil, 0, err
	}
	return textx.SanitizeText(text), hints, score, nil
}

// ocrWithRetries treats an empty model response as a retryable failure,
// up to OCR_PAGE_RETRIES extra attempts with a short backoff.
func (p *OCRPipeline) ocrWithRetries(ctx context.Context, jobID string, page domain.Page, tmpl string) (string, error) {
	rendered := prompt.RenderPage(tmpl, page.Index)
	var text string
	var err error
	for attempt := 0; attempt <= p.Cfg.OCRPageRetries; attempt++ {
		if attempt > 0 {
			delay := 0.4 * float64(attempt)
			if delay > 1.5 {
				delay = 1.5
			}
			select {
			case <-time.After(time.Duration(delay * float64(time.Second))):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
				return "", err
			}
		}
		text, err = p.Model.OCRPage(ctx, page.PNG, rendered)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
		slog.Warn("ocr_empty_page_retry",
			slog.String("job_id", jobID),
			slog.Int("page", page.Index),
			slog.Int("attempt", attempt+1))
	}
	return "", fmt.Errorf("op=ocr.Run job_id=%s: Empty OCR output page %d: %w", jobID, page.Index, errEmptyPage)
}

// errEmptyPage marks an OCR page whose model output stayed empty through all
// retries; the only failure the pipeline may recover locally.
var errEmptyPage = errors.New("empty ocr output")

func (p *OCRPipeline) pagePrompt(job domain.JobDescriptor) (string, error) {
	name := prompt.ForSubtype(p.Cfg.PromptName, job.ContentSubtype)
	return p.Prompts.Resolve(name)
}

// resolveInput prefers a local path and falls back to the blob store.
func (p *OCRPipeline) resolveInput(ctx context.Context, job domain.JobDescriptor) (string, func(), error) {
	noop := func() {}
	if job.InputPath != "" {
		if _, err := os.Stat(job.InputPath); err != nil {
			return "", noop, fmt.Errorf("op=ocr.resolveInput path=%s: %w", job.InputPath, domain.ErrInputNotFound)
		}
		return job.InputPath, noop, nil
	}
	if job.InputGCSURI == "" {
		return "", noop, fmt.Errorf("op=ocr.resolveInput job_id=%s: no input_path or input_gcs_uri: %w", job.JobID, domain.ErrInputNotFound)
	}
	local, err := p.Blobs.Download(ctx, job.InputGCSURI)
	if err != nil {
		return "", noop, err
	}
	return local, func() { _ = os.Remove(local) }, nil
}

// etaSeconds projects remaining wall time from per-page throughput so far.
// Pages not yet started are assumed to cost the running average.
func etaSeconds(started time.Time, done, total int) int {
	if done < 1 {
		done = 1
	}
	perPage := time.Since(started).Seconds() / float64(done)
	if perPage < 1 {
		perPage = 1
	}
	return int(perPage * float64(total-done+1))
}

func outputFilename(job domain.JobDescriptor) string {
	stem := job.OutputFilename
	if stem == "" {
		stem = job.Filename
	}
	return textx.SanitizeFilenameStem(textx.Stem(stem)) + ".txt"
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	if string(b) == "null" {
		return "[]"
	}
	return string(b)
}

var _ domain.Pipeline = (*OCRPipeline)(nil)
