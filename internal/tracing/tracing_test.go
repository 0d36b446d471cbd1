package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpansWithoutInitAreNoops(t *testing.T) {
	_, span := StartSpan(context.Background(), "noop", "INTERNAL")
	span.WithAttributes(map[string]string{"k": "v"})
	EndSpan(span, errors.New("boom"))
	EndSpan(nil, nil)
}

func TestTracingFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "spans.txt")
	require.NoError(t, Init("portability", "test", fname))

	_, span := StartSpan(context.Background(), "job.export", "CONSUMER")
	span.WithAttributes(map[string]string{"request_id": "r-1"})
	span.SetStatusFromHTTPCode(204)
	EndSpan(span, nil)
	require.NoError(t, Shutdown(context.Background()))

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Contains(t, string(data), "job.export")
}
