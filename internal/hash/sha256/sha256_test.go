package sha256

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

var _ collector.Hasher = (*Hasher)(nil)

func TestHashMatchesKnownDigest(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	streamed, err := h.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, streamed)
}

func TestHashDiffersOnPayloadChange(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte(`{"items":[]}`))
	require.NoError(t, err)
	b, err := h.Hash([]byte(`{"items":[{}]}`))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestHashReaderPropagatesError(t *testing.T) {
	t.Parallel()

	_, err := New().HashReader(failingReader{})
	require.ErrorContains(t, err, "disk gone")
}
