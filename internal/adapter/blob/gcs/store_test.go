package gcs

import (
	"errors"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestParseGCSURI(t *testing.T) {
	b, o, err := ParseGCSURI("gs://my-bucket/jobs/j-1/in.pdf")
	require.NoError(t, err)
	require.Equal(t, "my-bucket", b)
	require.Equal(t, "jobs/j-1/in.pdf", o)

	for _, bad := range []string{"", "http://x/y", "gs://bucket-only", "gs://bucket/"} {
		_, _, err := ParseGCSURI(bad)
		require.Error(t, err, bad)
	}
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(storage.ErrObjectNotExist))
	require.False(t, Retryable(storage.ErrBucketNotExist))
	require.False(t, Retryable(&googleapi.Error{Code: 403}))
	require.True(t, Retryable(&googleapi.Error{Code: 429}))
	require.True(t, Retryable(&googleapi.Error{Code: 503}))
	// bare transport failures are retried
	require.True(t, Retryable(errors.New("connection reset by peer")))
}
