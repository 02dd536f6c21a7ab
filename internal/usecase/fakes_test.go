package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
)

// fakeStatus mirrors the guarded Redis store in memory.
type fakeStatus struct {
	mu        sync.Mutex
	records   map[string]map[string]string
	cancelled map[string]bool
	writes    []map[string]string
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{records: map[string]map[string]string{}, cancelled: map[string]bool{}}
}

func (f *fakeStatus) Update(_ context.Context, jobID string, fields map[string]string, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[jobID]
	current := rec["status"]
	if !domain.IsAllowedTransition(current, fields["status"]) {
		return false, nil
	}
	if rec == nil {
		rec = map[string]string{}
		f.records[jobID] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	f.writes = append(f.writes, cp)
	return true, nil
}

func (f *fakeStatus) Get(_ context.Context, jobID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.records[jobID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStatus) IsCancelled(_ context.Context, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[jobID]
	return f.cancelled[jobID] || rec["cancel_requested"] == "1" || rec["status"] == domain.StatusCancelled
}

func (f *fakeStatus) EnsureNotCancelled(ctx context.Context, jobID string) error {
	if f.IsCancelled(ctx, jobID) {
		return fmt.Errorf("job_id=%s: %w", jobID, domain.ErrJobCancelled)
	}
	return nil
}

func (f *fakeStatus) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if s, ok := w["stage"]; ok {
			out = append(out, s)
		}
	}
	return out
}

// fakeBlobs keeps uploads in memory and serves downloads from a payload map.
type fakeBlobs struct {
	mu        sync.Mutex
	uploads   map[string]string
	downloads map[string][]byte
	logs      []string
	uploadErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{uploads: map[string]string{}, downloads: map[string][]byte{}}
}

func (f *fakeBlobs) UploadText(_ context.Context, content, destPath string) (domain.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return domain.UploadResult{}, f.uploadErr
	}
	f.uploads[destPath] = content
	return domain.UploadResult{
		GCSURI:    "gs://test-bucket/" + destPath,
		SignedURL: "https://signed.example/" + destPath,
		Bucket:    "test-bucket",
		Object:    destPath,
	}, nil
}

func (f *fakeBlobs) UploadFile(ctx context.Context, localPath, destPath string) (domain.UploadResult, error) {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return domain.UploadResult{}, err
	}
	return f.UploadText(ctx, string(raw), destPath)
}

func (f *fakeBlobs) Download(_ context.Context, gcsURI string) (string, error) {
	f.mu.Lock()
	payload, ok := f.downloads[gcsURI]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("op=fake.Download %s: %w", gcsURI, domain.ErrInputNotFound)
	}
	dir, err := os.MkdirTemp("", "fake-dl-*")
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, filepath.Base(gcsURI))
	return local, os.WriteFile(local, payload, 0o644)
}

func (f *fakeBlobs) AppendJobLog(_ context.Context, jobID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, jobID+": "+message)
}

// fakeModel returns scripted responses per call.
type fakeModel struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (f *fakeModel) next() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.calls < len(f.responses) {
		r := f.responses[f.calls]
		f.calls++
		return r, nil
	}
	f.calls++
	return "fallthrough text", nil
}

func (f *fakeModel) OCRPage(context.Context, []byte, string) (string, error)        { return f.next() }
func (f *fakeModel) TranscribeChunk(context.Context, string, string) (string, error) { return f.next() }

// fakeRaster fabricates synthetic pages.
type fakeRaster struct {
	pages int
	err   error
}

func testPagePNG() ([]byte, image.Image) {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes(), img
}

func (f *fakeRaster) PageCount(context.Context, string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.pages, nil
}

func (f *fakeRaster) RasterizeRange(_ context.Context, _ string, _, first, last int) ([]domain.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Page
	raw, img := testPagePNG()
	for i := first; i <= last && i <= f.pages; i++ {
		out = append(out, domain.Page{Index: i, Image: img, PNG: raw})
	}
	return out, nil
}

// fakeSplitter materializes n chunk files.
type fakeSplitter struct {
	chunks int
	err    error
}

func (f *fakeSplitter) Split(_ context.Context, _ string, outDir string, _ int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for i := 0; i < f.chunks; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("chunk-%03d.mp3", i))
		if err := os.WriteFile(p, []byte("audio"), 0o644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
