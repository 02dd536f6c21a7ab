package domain

import (
	"context"
	"image"
)

// Ports. Constructed once at startup and injected; tests substitute fakes.

// StatusStore mutates and reads the per-job status record. Update is the
// guarded write: it rejects transitions the state machine disallows and
// reports whether the write happened.
type StatusStore interface {
	Update(ctx context.Context, jobID string, fields map[string]string, opCtx string) (bool, error)
	Get(ctx context.Context, jobID string) (map[string]string, error)
	// IsCancelled fails open: transient KV errors never cancel a job.
	IsCancelled(ctx context.Context, jobID string) bool
	// EnsureNotCancelled returns an error wrapping ErrJobCancelled when the
	// job has a cancel request or is already CANCELLED.
	EnsureNotCancelled(ctx context.Context, jobID string) error
}

// UploadResult describes a stored output blob.
type UploadResult struct {
	GCSURI    string
	SignedURL string
	Bucket    string
	Object    string
}

// BlobStore persists outputs and resolves inputs. AppendJobLog is
// best-effort: implementations log failures and move on.
type BlobStore interface {
	UploadText(ctx context.Context, content, destPath string) (UploadResult, error)
	UploadFile(ctx context.Context, localPath, destPath string) (UploadResult, error)
	Download(ctx context.Context, gcsURI string) (localPath string, err error)
	AppendJobLog(ctx context.Context, jobID, message string)
}

// ModelClient is the opaque inference boundary.
type ModelClient interface {
	OCRPage(ctx context.Context, pagePNG []byte, prompt string) (string, error)
	TranscribeChunk(ctx context.Context, audioPath, prompt string) (string, error)
}

// Page is one rasterized PDF page. Index is 1-based.
type Page struct {
	Index int
	Image image.Image
	PNG   []byte
}

// Rasterizer renders PDF pages in bounded ranges so peak memory stays
// proportional to the batch size, not the document.
type Rasterizer interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	RasterizeRange(ctx context.Context, pdfPath string, dpi, first, last int) ([]Page, error)
}

// AudioSplitter re-encodes an input into fixed-duration chunk files.
type AudioSplitter interface {
	Split(ctx context.Context, srcPath, outDir string, chunkSec int) ([]string, error)
}

// PipelineResult is the normalized outcome of a pipeline run.
type PipelineResult struct {
	OutputPath     string
	OutputFilename string
	SignedURL      string
	Units          int
	QualityScore   float64
	DurationSec    float64
}

// Pipeline executes one job end to end. Implementations poll cancellation
// at every suspension point and emit progress through the StatusStore.
type Pipeline interface {
	Run(ctx context.Context, jobID string, job JobDescriptor) (PipelineResult, error)
}
