// Package gcs implements the blob store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/api/googleapi"

	"github.com/fairyhunter13/doc-transcribe-worker/internal/domain"
	"github.com/fairyhunter13/doc-transcribe-worker/pkg/retryx"
)

// SignedURLTTL is how long generated download links stay valid.
const SignedURLTTL = 7 * 24 * time.Hour

// Store uploads job outputs and downloads job inputs from a single bucket.
type Store struct {
	client *storage.Client
	bucket string
	policy retryx.Policy
}

// New builds a Store bound to bucket. The caller owns the client lifecycle.
func New(client *storage.Client, bucket string, policy retryx.Policy) *Store {
	return &Store{client: client, bucket: bucket, policy: policy}
}

// Retryable reports whether a storage error is worth re-attempting:
// server-side 5xx, 429 and plain transport failures. 4xx object errors
// propagate immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}

func (s *Store) wrap(op, object string, err error) error {
	return fmt.Errorf("op=gcs.%s gs://%s/%s: %w: %v", op, s.bucket, object, domain.ErrBlobTransport, err)
}

// UploadText writes a UTF-8 text object at destPath and returns its URI
// plus a signed download link.
func (s *Store) UploadText(ctx context.Context, content, destPath string) (domain.UploadResult, error) {
	err := retryx.DoVoid(ctx, "upload_text", destPath, s.policy, Retryable, func() error {
		w := s.client.Bucket(s.bucket).Object(destPath).NewWriter(ctx)
		w.ContentType = "text/plain; charset=utf-8"
		if _, err := io.WriteString(w, content); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return domain.UploadResult{}, s.wrap("UploadText", destPath, err)
	}
	return s.uploadResult(destPath), nil
}

// UploadFile streams a local file into the bucket, sniffing its content
// type from the bytes rather than trusting the extension.
func (s *Store) UploadFile(ctx context.Context, localPath, destPath string) (domain.UploadResult, error) {
	contentType := ""
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}
	err := retryx.DoVoid(ctx, "upload_file", destPath, s.policy, Retryable, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w := s.client.Bucket(s.bucket).Object(destPath).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		if _, err := io.Copy(w, f); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return domain.UploadResult{}, s.wrap("UploadFile", destPath, err)
	}
	return s.uploadResult(destPath), nil
}

// Download fetches gs://bucket/object into a fresh temp directory and
// returns the local path. A missing object maps to ErrInputNotFound so
// the recovery policy treats it as fatal rather than transient.
func (s *Store) Download(ctx context.Context, gcsURI string) (string, error) {
	bucket, object, err := ParseGCSURI(gcsURI)
	if err != nil {
		return "", fmt.Errorf("op=gcs.Download: %w: %v", domain.ErrInputNotFound, err)
	}
	dir, err := os.MkdirTemp("", "job-input-*")
	if err != nil {
		return "", fmt.Errorf("op=gcs.Download: %w", err)
	}
	local := filepath.Join(dir, filepath.Base(object))
	err = retryx.DoVoid(ctx, "download", gcsURI, s.policy, Retryable, func() error {
		r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		f, err := os.Create(local)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return "", fmt.Errorf("op=gcs.Download %s: %w", gcsURI, domain.ErrInputNotFound)
		}
		return "", s.wrap("Download", object, err)
	}
	return local, nil
}

// AppendJobLog appends a line to the job's worker log object. Best-effort:
// failures are logged and swallowed so the log trail never fails a job.
func (s *Store) AppendJobLog(ctx context.Context, jobID, message string) {
	object := fmt.Sprintf("jobs/%s/logs/worker.log", jobID)
	err := retryx.DoVoid(ctx, "append_job_log", object, s.policy, Retryable, func() error {
		prev := ""
		r, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
		if err == nil {
			b, rerr := io.ReadAll(r)
			_ = r.Close()
			if rerr != nil {
				return rerr
			}
			prev = string(b)
		} else if !errors.Is(err, storage.ErrObjectNotExist) {
			return err
		}
		w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
		w.ContentType = "text/plain; charset=utf-8"
		stamp := time.Now().UTC().Format(time.RFC3339)
		if _, err := io.WriteString(w, prev+stamp+" "+strings.TrimRight(message, "\n")+"\n"); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		slog.Warn("job_log_append_failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}

func (s *Store) uploadResult(object string) domain.UploadResult {
	res := domain.UploadResult{
		GCSURI: fmt.Sprintf("gs://%s/%s", s.bucket, object),
		Bucket: s.bucket,
		Object: object,
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(SignedURLTTL),
	})
	if err != nil {
		// Signing needs credentials; fall back to the bare URI in
		// environments without a service account key.
		slog.Warn("signed_url_unavailable",
			slog.String("object", object),
			slog.Any("error", err))
		return res
	}
	res.SignedURL = url
	return res
}

// ParseGCSURI splits gs://bucket/object into its parts.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("op=gcs.ParseGCSURI: not a gs:// uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("op=gcs.ParseGCSURI: missing object path: %q", uri)
	}
	return rest[:i], rest[i+1:], nil
}

var _ domain.BlobStore = (*Store)(nil)
