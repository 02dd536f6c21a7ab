package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
)

// FFmpegSplitter re-encodes any audio or video input into fixed-duration
// mp3 chunks using the ffmpeg segment muxer.
type FFmpegSplitter struct {
	FFmpegBin string
}

func NewSplitter() *FFmpegSplitter {
	return &FFmpegSplitter{FFmpegBin: "ffmpeg"}
}

// Split writes chunk-000.mp3, chunk-001.mp3, ... into outDir and returns
// their paths in play order. Video inputs are reduced to their audio track.
func (s *FFmpegSplitter) Split(ctx context.Context, srcPath, outDir string, chunkSec int) ([]string, error) {
	pattern := filepath.Join(outDir, "chunk-%03d.mp3")
	cmd := exec.CommandContext(ctx, s.FFmpegBin,
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", srcPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "16000",
		"-ac", "1",
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSec),
		"-reset_timestamps", "1",
		pattern)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("op=media.Split path=%s: ffmpeg decoding failed: %w: %s",
			srcPath, err, tail(stderr.String(), 512))
	}

	chunks, err := filepath.Glob(filepath.Join(outDir, "chunk-*.mp3"))
	if err != nil {
		return nil, fmt.Errorf("op=media.Split: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("op=media.Split path=%s: ffmpeg decoding failed: no chunks produced", srcPath)
	}
	sort.Strings(chunks)
	return chunks, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ domain.AudioSplitter = (*FFmpegSplitter)(nil)
