package options

import (
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriterOptions(t *testing.T) {
	t.Parallel()

	var o WriterOptions
	o.SetDefault()
	assert.Equal(t, uint64(DefaultChunkSize), o.ChunkSize)
	assert.Equal(t, flate.DefaultCompression, o.Level)
	assert.NotNil(t, o.Logger)

	require.NoError(t, WithChunkSize(7)(&o))
	assert.Equal(t, uint64(7), o.ChunkSize)
	assert.Error(t, WithChunkSize(0)(&o))

	require.NoError(t, WithLevel(flate.BestSpeed)(&o))
	assert.Equal(t, flate.BestSpeed, o.Level)
	assert.Error(t, WithLevel(42)(&o))

	l := zap.NewExample()
	require.NoError(t, WithWLogger(l)(&o))
	assert.Same(t, l, o.Logger)
}

func TestReaderOptions(t *testing.T) {
	t.Parallel()

	var o ReaderOptions
	o.SetDefault()
	assert.Equal(t, DefaultThreads, o.Threads)
	assert.Nil(t, o.Env)

	require.NoError(t, WithThreads(9)(&o))
	assert.Equal(t, 9, o.Threads)
	require.NoError(t, WithRFile("/nonexistent")(&o))
	require.NotNil(t, o.Env)
	_, err := o.Env.OpenSource()
	assert.Error(t, err)
}
