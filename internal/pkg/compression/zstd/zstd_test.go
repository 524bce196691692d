package zstd

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingCloser struct {
	io.Reader
	closed bool
}

func (t *trackingCloser) Close() error {
	t.closed = true
	return nil
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "Empty", input: make([]byte, 0)},
		{name: "Non empty", input: []byte("foo")},
		{name: "Large", input: bytes.Repeat([]byte("firmware"), 10_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewCompressor(&buf)
			require.NoError(t, err)
			_, err = w.Write(tt.input)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			src := &trackingCloser{Reader: &buf}
			r, err := NewDecompressor(src)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
			require.NoError(t, r.Close())
			assert.True(t, src.closed)
		})
	}
}

func TestNewDecompressorInvalidInput(t *testing.T) {
	r, err := NewDecompressor(io.NopCloser(bytes.NewReader([]byte("not zstd"))))
	if err == nil {
		_, err = io.ReadAll(r)
	}
	assert.Error(t, err)
}
