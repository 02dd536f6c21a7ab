// Package stub provides a fast, deterministic model client for local runs
// and tests. No network, no credentials.
package stub

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
)

// Client fabricates stable outputs keyed on the input bytes so repeated
// runs of the same job produce identical transcripts.
type Client struct {
	// Delay simulates inference latency. Zero by default for tests.
	Delay time.Duration
}

func New() *Client { return &Client{} }

func (c *Client) wait(ctx context.Context) error {
	if c.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OCRPage returns a deterministic page text derived from the image bytes.
func (c *Client) OCRPage(ctx context.Context, pagePNG []byte, _ string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	h := fnv.New32a()
	_, _ = h.Write(pagePNG)
	return fmt.Sprintf("Sample page text for image %08x. The quick brown fox jumps over the lazy dog.", h.Sum32()), nil
}

// TranscribeChunk returns a deterministic transcript derived from the
// chunk filename.
func (c *Client) TranscribeChunk(ctx context.Context, audioPath, _ string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Sample transcription for chunk %s.", filepath.Base(audioPath)), nil
}

var _ domain.ModelClient = (*Client)(nil)
