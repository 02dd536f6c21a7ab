package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/config"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/service/prompt"
	"github.com/fairyhunter13/doc-transcribe-worker/internal/service/quality"
	"github.com/fairyhunter13/doc-transcribe-worker/pkg/textx"
)

// TranscriptionPipeline splits audio or video input into fixed-duration
// chunks, transcribes each one and uploads the concatenated transcript.
type TranscriptionPipeline struct {
	Status   domain.StatusStore
	Blobs    domain.BlobStore
	Model    domain.ModelClient
	Splitter domain.AudioSplitter
	Prompts  *prompt.Registry
	Quality  quality.Settings
	Cfg      config.Config

	// Finalize controls whether Run writes the terminal COMPLETED record.
	// A multi-source aggregator sets it false and emits one COMPLETED
	// itself after combining results.
	Finalize bool
}

// Run executes one transcription job.
func (p *TranscriptionPipeline) Run(ctx context.Context, jobID string, job domain.JobDescriptor) (domain.PipelineResult, error) {
	started := time.Now()
	if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
		return domain.PipelineResult{}, err
	}
	if job.InputGCSURI == "" {
		return domain.PipelineResult{}, fmt.Errorf("op=transcribe.Run job_id=%s: input_gcs_uri required: %w", jobID, domain.ErrInputNotFound)
	}

	localPath, err := p.Blobs.Download(ctx, job.InputGCSURI)
	if err != nil {
		return domain.PipelineResult{}, err
	}
	defer os.Remove(localPath)

	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"status":   domain.StatusProcessing,
		"stage":    "Preparing audio",
		"progress": "5",
	}, "transcribe_prepare"); err != nil {
		return domain.PipelineResult{}, err
	}
	p.Blobs.AppendJobLog(ctx, jobID, "transcribe_start file="+job.Filename)

	chunkDir, err := os.MkdirTemp("", "chunks-*")
	if err != nil {
		return domain.PipelineResult{}, fmt.Errorf("op=transcribe.Run: %w", err)
	}
	defer os.RemoveAll(chunkDir)

	chunks, err := p.Splitter.Split(ctx, localPath, chunkDir, p.Cfg.ChunkDurationSec)
	if err != nil {
		return domain.PipelineResult{}, err
	}
	total := len(chunks)

	chunkPrompt, err := p.Prompts.Resolve("TRANSCRIBE_AUDIO")
	if err != nil {
		return domain.PipelineResult{}, err
	}

	texts := make([]string, 0, total)
	rows := make([]quality.SegmentRow, 0, total)
	for i, chunkPath := range chunks {
		idx := i + 1
		if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
			return domain.PipelineResult{}, err
		}
		if _, err := p.Status.Update(ctx, jobID, map[string]string{
			"status":   domain.StatusProcessing,
			"stage":    fmt.Sprintf("Transcribing chunk %d/%d", idx, total),
			"progress": strconv.Itoa(10 + 80*idx/total),
		}, "transcribe_chunk"); err != nil {
			return domain.PipelineResult{}, err
		}

		text, err := p.Model.TranscribeChunk(ctx, chunkPath, chunkPrompt)
		if err != nil {
			return domain.PipelineResult{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return domain.PipelineResult{}, fmt.Errorf("op=transcribe.Run job_id=%s chunk=%s: Empty transcription output",
				jobID, filepath.Base(chunkPath))
		}

		score, _, segHints := quality.ScoreSegment(text)
		hint := ""
		if len(segHints) > 0 {
			hint = segHints[0]
		}
		rows = append(rows, quality.SegmentRow{Index: idx, Score: score, Hint: hint})
		texts = append(texts, textx.SanitizeText(text))
	}

	if err := p.Status.EnsureNotCancelled(ctx, jobID); err != nil {
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

	avg, lowSegments, hints := quality.SummarizeSegments(rows, p.Quality.SegmentThreshold)
	duration := time.Since(started).Seconds()
	result := domain.PipelineResult{
		OutputPath:     upload.GCSURI,
		OutputFilename: outName,
		SignedURL:      upload.SignedURL,
		Units:          total,
		QualityScore:   avg,
		DurationSec:    duration,
	}

	if !p.Finalize {
		return result, nil
	}

	if _, err := p.Status.Update(ctx, jobID, map[string]string{
		"status":              domain.StatusCompleted,
		"stage":               "Completed",
		"progress":            "100",
		"output_path":         upload.GCSURI,
		"output_filename":     outName,
		"signed_url":          upload.SignedURL,
		"quality_score":       strconv.FormatFloat(avg, 'f', 4, 64),
		"low_quality_chunks":  mustJSON(lowSegments),
		"quality_hints":       mustJSON(hints),
		"duration_sec":        strconv.FormatFloat(duration, 'f', 2, 64),
		"error_code":          "",
		"error_message":       "",
		"error_detail":        "",
		"error":               "",
	}, "transcribe_complete"); err != nil {
		return domain.PipelineResult{}, err
	}
	p.Blobs.AppendJobLog(ctx, jobID,
		fmt.Sprintf("transcribe_complete chunks=%d score=%.4f duration_sec=%.2f", total, avg, duration))
	return result, nil
}

var _ domain.Pipeline = (*TranscriptionPipeline)(nil)
