package seekable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/env"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

type readerFixture struct {
	data       []byte
	compressed []byte
	idx        *Index
	env        *countingEnv
	r          *Reader
}

func newReaderFixture(t testing.TB, n, members int, chunk uint64) *readerFixture {
	t.Helper()

	f := &readerFixture{data: fastqData(n)}
	f.compressed = gzipData(t, f.data, members, gzip.DefaultCompression)

	var err error
	f.idx, err = BuildIndex(bytes.NewReader(f.compressed), options.WithChunkSize(chunk))
	require.NoError(t, err)

	f.env = newCountingEnv(f.compressed)
	f.r, err = NewReader(f.idx, options.WithREnvironment(f.env))
	require.NoError(t, err)
	return f
}

func TestReaderExtractRecords(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 12_000, 1, 1000)
	ctx := context.Background()

	for _, first := range []uint64{1, 2, 999, 1000, 1001, 1002, 5_555, 11_999, 12_000} {
		for _, count := range []uint64{1, 3, 1000} {
			t.Run(fmt.Sprintf("first=%d,count=%d", first, count), func(t *testing.T) {
				t.Parallel()

				last := min(first+count-1, 12_000)
				var b bytes.Buffer
				require.NoError(t, f.r.ExtractRecords(ctx, &b, first, count))
				assert.Equal(t, records(t, f.data, first, last), b.Bytes())
			})
		}
	}
}

func TestReaderExtractToEnd(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 3_000, 1, 1000)
	var b bytes.Buffer
	require.NoError(t, f.r.ExtractRecords(context.Background(), &b, 1, 0))
	assert.Equal(t, f.data, b.Bytes())
}

func TestReaderSample(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 40_000, 1, options.DefaultChunkSize)
	require.Equal(t, uint64(4), f.r.NumChunks())

	var b bytes.Buffer
	require.NoError(t, f.r.ExtractChunks(context.Background(), &b, 2, 1))
	assert.Equal(t, records(t, f.data, 10_001, 20_000), b.Bytes())
	assert.True(t, bytes.HasPrefix(b.Bytes(), []byte("@read10001/1\n")))
}

func TestReaderChunksPartition(t *testing.T) {
	t.Parallel()

	// The last record has no trailing newline.
	data := fastqData(2_345)
	data = data[:len(data)-1]
	compressed := gzipData(t, data, 1, gzip.BestSpeed)

	idx, err := BuildIndex(bytes.NewReader(compressed), options.WithChunkSize(500))
	require.NoError(t, err)
	r, err := NewReader(idx, options.WithREnvironment(env.NewMemoryEnvironment(compressed)))
	require.NoError(t, err)

	var all bytes.Buffer
	for k := uint64(1); k <= r.NumChunks(); k++ {
		require.NoError(t, r.ExtractChunks(context.Background(), &all, k, 1))
	}
	assert.Equal(t, data, all.Bytes())

	var joined bytes.Buffer
	require.NoError(t, r.ExtractChunks(context.Background(), &joined, 1, r.NumChunks()))
	assert.Equal(t, data, joined.Bytes())
}

func TestReaderMultiMember(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 6_000, 4, 500)
	for k := uint64(1); k <= f.r.NumChunks(); k++ {
		var b bytes.Buffer
		require.NoError(t, f.r.ExtractChunks(context.Background(), &b, k, 1))
		assert.Equal(t, records(t, f.data, (k-1)*500+1, k*500), b.Bytes(), "chunk %d", k)
	}
}

func TestReaderExtractBytes(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 4_000, 2, 1000)
	ctx := context.Background()
	for _, tc := range []struct {
		offset, length uint64
	}{
		{0, 10},
		{12_345, 100_000},
		{uint64(len(f.data)) - 5, 0},
		{uint64(len(f.data)) + 5, 10},
	} {
		var b bytes.Buffer
		n, err := f.r.ExtractBytes(ctx, &b, tc.offset, tc.length)
		require.NoError(t, err)

		start := min(tc.offset, uint64(len(f.data)))
		end := uint64(len(f.data))
		if tc.length > 0 {
			end = min(start+tc.length, end)
		}
		assert.Equal(t, string(f.data[start:end]), b.String())
		assert.Equal(t, int64(end-start), n)
	}
}

func TestReaderExtractFrom(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 4_000, 1, 1000)
	e := f.idx.Records[1]

	var b bytes.Buffer
	require.NoError(t, f.r.ExtractFrom(context.Background(), &b, e.Block, e.UncompressedOffset, 2))
	assert.Equal(t, records(t, f.data, 2001, 2002), b.Bytes())
}

func TestReaderInvalidRange(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 2_000, 1, 1000)
	require.Greater(t, len(f.idx.Points), 1)
	ctx := context.Background()

	for name, fn := range map[string]func() error{
		"record 0":           func() error { return f.r.ExtractRecords(ctx, io.Discard, 0, 1) },
		"record past end":    func() error { return f.r.ExtractRecords(ctx, io.Discard, 2_001, 1) },
		"chunk 0":            func() error { return f.r.ExtractChunks(ctx, io.Discard, 0, 1) },
		"no chunks":          func() error { return f.r.ExtractChunks(ctx, io.Discard, 1, 0) },
		"chunk past end":     func() error { return f.r.ExtractChunks(ctx, io.Discard, 3, 1) },
		"too many chunks":    func() error { return f.r.ExtractChunks(ctx, io.Discard, 2, 2) },
		"unknown block":      func() error { return f.r.ExtractFrom(ctx, io.Discard, 1<<20, 0, 0) },
		"offset before block": func() error {
			last := uint32(len(f.idx.Points) - 1)
			return f.r.ExtractFrom(ctx, io.Discard, last, f.idx.Points[last].UncompressedOffset-1, 0)
		},
	} {
		assert.ErrorIs(t, fn(), ErrInvalidRange, name)
	}
	assert.Zero(t, f.env.opens.Load())
}

func TestReaderCorruptSource(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 2_000, 1, 1000)
	broken := bytes.Clone(f.compressed)
	for i := len(broken) / 2; i < len(broken)/2+64; i++ {
		broken[i] = ^broken[i]
	}
	r, err := NewReader(f.idx, options.WithREnvironment(env.NewMemoryEnvironment(broken)))
	require.NoError(t, err)

	err = r.ExtractRecords(context.Background(), io.Discard, 1, 0)
	assert.ErrorIs(t, err, ErrCorruptStream)
}

func TestReaderChecksum(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 6_000, 4, 500)
	// Only the stored CRC-32 of the last member changes; its body still
	// decodes.
	badCRC := bytes.Clone(f.compressed)
	badCRC[len(badCRC)-8] ^= 0xff
	r, err := NewReader(f.idx, options.WithREnvironment(env.NewMemoryEnvironment(badCRC)))
	require.NoError(t, err)
	ctx := context.Background()

	err = r.ExtractRecords(ctx, io.Discard, 1, 0)
	assert.ErrorIs(t, err, ErrCorruptStream)
	assert.ErrorIs(t, err, gzip.ErrChecksum)

	// Resuming inside the first member still checks every member after the
	// first seam.
	require.Greater(t, len(f.idx.Points), 1)
	p := f.idx.Points[1]
	require.Less(t, p.UncompressedOffset, uint64(len(f.data)/4))
	_, err = r.ExtractBytes(ctx, io.Discard, p.UncompressedOffset, 0)
	assert.ErrorIs(t, err, gzip.ErrChecksum)

	// Output that stops before the last trailer is not affected.
	var b bytes.Buffer
	require.NoError(t, r.ExtractChunks(ctx, &b, 1, 1))
	assert.Equal(t, records(t, f.data, 1, 500), b.Bytes())
}

func TestReaderCanceled(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 2_000, 1, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.r.ExtractRecords(ctx, io.Discard, 1, 0), context.Canceled)
}

func TestNewReaderErrors(t *testing.T) {
	t.Parallel()

	f := newReaderFixture(t, 100, 1, 10)
	_, err := NewReader(f.idx)
	assert.Error(t, err)

	_, err = NewReader(&Index{ChunkSize: 1}, options.WithREnvironment(f.env))
	assert.ErrorIs(t, err, ErrCorruptIndex)
}
