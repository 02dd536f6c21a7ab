// Package media shells out to poppler and ffmpeg for input decoding.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
)

// PopplerRasterizer renders PDF pages with pdftoppm and counts them with
// pdfinfo. Both binaries ship in the worker image.
type PopplerRasterizer struct {
	// PdftoppmBin and PdfinfoBin override the binary names for tests.
	PdftoppmBin string
	PdfinfoBin  string
}

func NewRasterizer() *PopplerRasterizer {
	return &PopplerRasterizer{PdftoppmBin: "pdftoppm", PdfinfoBin: "pdfinfo"}
}

// PageCount parses the Pages field of pdfinfo output.
func (r *PopplerRasterizer) PageCount(ctx context.Context, pdfPath string) (int, error) {
	out, err := exec.CommandContext(ctx, r.PdfinfoBin, pdfPath).Output()
	if err != nil {
		return 0, fmt.Errorf("op=media.PageCount path=%s: pdf could not be decoded: %w", pdfPath, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if err != nil {
			break
		}
		return n, nil
	}
	return 0, fmt.Errorf("op=media.PageCount path=%s: pdf could not be decoded: no Pages field", pdfPath)
}

// RasterizeRange renders pages first..last (1-based, inclusive) at the
// given DPI and returns them in page order.
func (r *PopplerRasterizer) RasterizeRange(ctx context.Context, pdfPath string, dpi, first, last int) ([]domain.Page, error) {
	dir, err := os.MkdirTemp("", "raster-*")
	if err != nil {
		return nil, fmt.Errorf("op=media.RasterizeRange: %w", err)
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, r.PdftoppmBin,
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(first),
		"-l", strconv.Itoa(last),
		pdfPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("op=media.RasterizeRange path=%s pages=%d-%d: pdf could not be decoded: %w: %s",
			pdfPath, first, last, err, strings.TrimSpace(stderr.String()))
	}

	entries, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("op=media.RasterizeRange: %w", err)
	}
	// pdftoppm numbers outputs with uniform zero padding, but sort
	// numerically anyway so mixed-width suffixes cannot reorder pages.
	sort.Slice(entries, func(i, j int) bool {
		return pageSuffix(entries[i]) < pageSuffix(entries[j])
	})
	if len(entries) == 0 {
		return nil, fmt.Errorf("op=media.RasterizeRange path=%s pages=%d-%d: pdf could not be decoded: no pages produced",
			pdfPath, first, last)
	}

	pages := make([]domain.Page, 0, len(entries))
	for i, p := range entries {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("op=media.RasterizeRange: %w", err)
		}
		img, err := png.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("op=media.RasterizeRange page=%d: page image decoding failed: %w", first+i, err)
		}
		pages = append(pages, domain.Page{Index: first + i, Image: img, PNG: raw})
	}
	return pages, nil
}

func pageSuffix(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	if i := strings.LastIndexByte(base, '-'); i >= 0 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil {
			return n
		}
	}
	return 0
}

var _ domain.Rasterizer = (*PopplerRasterizer)(nil)
