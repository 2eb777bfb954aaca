package seekable

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/env"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

func TestPartitions(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		start, count uint64
		threads      int
		want         []Partition
	}{
		{1, 0, 4, nil},
		{1, 10, 1, []Partition{{1, 10}}},
		{1, 10, 3, []Partition{{1, 3}, {4, 3}, {7, 4}}},
		{5, 2, 8, []Partition{{5, 1}, {6, 1}}},
		{1, 10, 0, []Partition{{1, 10}}},
		{1, 10, -3, []Partition{{1, 10}}},
		{1, 100, 64, func() []Partition {
			parts := make([]Partition, MaxThreads)
			for i := range parts {
				parts[i] = Partition{uint64(1 + i*6), 6}
			}
			parts[MaxThreads-1].Count = 10
			return parts
		}()},
	} {
		t.Run(fmt.Sprintf("%d+%d/%d", tc.start, tc.count, tc.threads), func(t *testing.T) {
			t.Parallel()

			parts := Partitions(tc.start, tc.count, tc.threads)
			assert.Equal(t, tc.want, parts)

			var sum uint64
			for _, p := range parts {
				sum += p.Count
			}
			assert.Equal(t, tc.count, sum)
		})
	}
}

func extractors(t testing.TB, data []byte, chunk uint64) map[string]interface {
	ChunkExtractor
	RecordExtractor
} {
	t.Helper()

	compressed := gzipData(t, data, 2, gzip.DefaultCompression)
	idx, err := BuildIndex(bytes.NewReader(compressed), options.WithChunkSize(chunk))
	require.NoError(t, err)
	r, err := NewReader(idx, options.WithREnvironment(env.NewMemoryEnvironment(compressed)))
	require.NoError(t, err)

	var out bytes.Buffer
	sidx, err := Recompress(bytes.NewReader(compressed), &out, options.WithChunkSize(chunk))
	require.NoError(t, err)
	sr, err := NewSyncReader(sidx, options.WithREnvironment(env.NewMemoryEnvironment(out.Bytes())))
	require.NoError(t, err)

	return map[string]interface {
		ChunkExtractor
		RecordExtractor
	}{"windowed": r, "sync": sr}
}

func TestParallelExtract(t *testing.T) {
	t.Parallel()

	data := fastqData(7_777)
	for name, e := range extractors(t, data, 500) {
		for _, threads := range []int{1, 3, 8, 16} {
			t.Run(fmt.Sprintf("%s/threads=%d", name, threads), func(t *testing.T) {
				t.Parallel()
				ctx := context.Background()

				var b bytes.Buffer
				require.NoError(t, ParallelExtract(ctx, e, &b, 1, 0, options.WithThreads(threads)))
				assert.Equal(t, data, b.Bytes())

				b.Reset()
				require.NoError(t, ParallelExtract(ctx, e, &b, 3, 5, options.WithThreads(threads)))
				assert.Equal(t, records(t, data, 1001, 3500), b.Bytes())

				b.Reset()
				require.NoError(t, ParallelExtractRecords(ctx, e, &b, 1234, 4321, options.WithThreads(threads)))
				assert.Equal(t, records(t, data, 1234, 5554), b.Bytes())
			})
		}
	}
}

func TestParallelTally(t *testing.T) {
	t.Parallel()

	data := fastqData(7_777)
	want := expectedTally(data)
	for name, e := range extractors(t, data, 500) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			serial, err := ParallelTally(ctx, e, 1, 0, options.WithThreads(1))
			require.NoError(t, err)
			parallel, err := ParallelTally(ctx, e, 1, 0, options.WithThreads(8))
			require.NoError(t, err)
			assert.Equal(t, want, serial)
			assert.Equal(t, serial, parallel)

			byRecord, err := ParallelTallyRecords(ctx, e, 1, 0, options.WithThreads(5))
			require.NoError(t, err)
			assert.Equal(t, want, byRecord)

			part, err := ParallelTallyRecords(ctx, e, 101, 200, options.WithThreads(3))
			require.NoError(t, err)
			assert.Equal(t, expectedTally(records(t, data, 101, 300)), part)
		})
	}
}

func TestParallelInvalidNucleotide(t *testing.T) {
	t.Parallel()

	data := fastqData(3_000)
	// Corrupt a sequence line in the middle of the stream.
	start, ok := fastq.SkipRecords(data, 1_500)
	require.True(t, ok)
	seq := bytes.IndexByte(data[start:], '\n') + start + 1
	data[seq] = 'X'

	for name, e := range extractors(t, data, 500) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := ParallelTally(context.Background(), e, 1, 0, options.WithThreads(4))
			assert.ErrorIs(t, err, fastq.ErrInvalidNucleotide)
		})
	}
}

func TestParallelFailureWritesNothing(t *testing.T) {
	t.Parallel()

	data := fastqData(4_000)
	compressed := gzipData(t, data, 1, gzip.BestSpeed)
	idx, err := BuildIndex(bytes.NewReader(compressed), options.WithChunkSize(500))
	require.NoError(t, err)

	fe := &failingEnv{REnvironment: env.NewMemoryEnvironment(compressed), healthy: 3}
	r, err := NewReader(idx, options.WithREnvironment(fe))
	require.NoError(t, err)

	var b bytes.Buffer
	err = ParallelExtract(context.Background(), r, &b, 1, 0, options.WithThreads(8))
	assert.ErrorIs(t, err, errInjected)
	assert.Zero(t, b.Len())
}

func TestParallelInvalidRange(t *testing.T) {
	t.Parallel()

	data := fastqData(1_000)
	for name, e := range extractors(t, data, 100) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			var b bytes.Buffer
			assert.ErrorIs(t, ParallelExtract(ctx, e, &b, 0, 1), ErrInvalidRange)
			assert.ErrorIs(t, ParallelExtract(ctx, e, &b, 11, 1), ErrInvalidRange)
			assert.ErrorIs(t, ParallelExtract(ctx, e, &b, 10, 2), ErrInvalidRange)
			assert.ErrorIs(t, ParallelExtractRecords(ctx, e, &b, 0, 1), ErrInvalidRange)
			assert.ErrorIs(t, ParallelExtractRecords(ctx, e, &b, 1_001, 1), ErrInvalidRange)
			_, err := ParallelTally(ctx, e, 0, 0)
			assert.ErrorIs(t, err, ErrInvalidRange)
			assert.Zero(t, b.Len())
		})
	}
}

func TestParallelCanceled(t *testing.T) {
	t.Parallel()

	data := fastqData(2_000)
	for name, e := range extractors(t, data, 100) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := ParallelTally(ctx, e, 1, 0)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}
