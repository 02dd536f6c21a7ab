// Package usecase holds the job pipelines and the routing between them.
package usecase

import (
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
)

// Job kinds as routed by the worker loop.
const (
	KindOCR           = "OCR"
	KindTranscription = "TRANSCRIPTION"
)

var ocrExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// RouteJob classifies a job as OCR or transcription. Only source,
// job_type and the filename extension participate.
func RouteJob(job domain.JobDescriptor) string {
	if strings.EqualFold(strings.TrimSpace(job.Source), "ocr") {
		return KindOCR
	}
	if strings.EqualFold(strings.TrimSpace(job.JobType), "ocr") {
		return KindOCR
	}
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(job.Filename)))
	if ocrExtensions[ext] {
		return KindOCR
	}
	return KindTranscription
}
