package seekable

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

// MaxThreads bounds the number of extraction workers.
const MaxThreads = 16

// ChunkExtractor is implemented by Reader and SyncReader.
type ChunkExtractor interface {
	NumChunks() uint64
	// ExtractChunks writes chunks [start, start+n) (1-based) to w.
	ExtractChunks(ctx context.Context, w io.Writer, start, n uint64) error
}

// RecordExtractor is implemented by Reader and SyncReader.
type RecordExtractor interface {
	NumRecords() uint64
	// ExtractRecords writes count records starting with record first
	// (1-based) to w.
	ExtractRecords(ctx context.Context, w io.Writer, first, count uint64) error
}

// Partition is a contiguous range of chunks or records handled by one
// worker.
type Partition struct {
	Start uint64
	Count uint64
}

// Partitions splits [start, start+count) between threads workers. threads is
// clamped to [1, MaxThreads] and to count; the last partition absorbs the
// remainder.
func Partitions(start, count uint64, threads int) []Partition {
	if count == 0 {
		return nil
	}
	t := uint64(max(1, min(threads, MaxThreads))) //nolint:gosec // clamped above
	t = min(t, count)
	stride := count / t

	parts := make([]Partition, t)
	for i := range parts {
		parts[i] = Partition{Start: start + uint64(i)*stride, Count: stride} //nolint:gosec // i < t
	}
	parts[t-1].Count = count - (t-1)*stride
	return parts
}

// ParallelExtract writes chunks [start, start+n) of e to w, splitting the
// range between workers. A zero n extends the range to the last chunk.
// Nothing is written to w unless every worker succeeds.
func ParallelExtract(ctx context.Context, e ChunkExtractor, w io.Writer, start, n uint64, opts ...options.ROption) error {
	parts, o, err := chunkPartitions(e, start, n, opts)
	if err != nil {
		return err
	}
	return extractText(ctx, o, parts, w, func(ctx context.Context, w io.Writer, p Partition) error {
		return e.ExtractChunks(ctx, w, p.Start, p.Count)
	})
}

// ParallelExtractRecords writes count records of e starting with record
// first to w. A zero count extends the range to the last record.
func ParallelExtractRecords(ctx context.Context, e RecordExtractor, w io.Writer, first, count uint64, opts ...options.ROption) error {
	parts, o, err := recordPartitions(e, first, count, opts)
	if err != nil {
		return err
	}
	return extractText(ctx, o, parts, w, func(ctx context.Context, w io.Writer, p Partition) error {
		return e.ExtractRecords(ctx, w, p.Start, p.Count)
	})
}

// ParallelTally counts the bases of chunks [start, start+n) of e.
func ParallelTally(ctx context.Context, e ChunkExtractor, start, n uint64, opts ...options.ROption) (fastq.Tally, error) {
	parts, o, err := chunkPartitions(e, start, n, opts)
	if err != nil {
		return fastq.Tally{}, err
	}
	return tally(ctx, o, parts, func(ctx context.Context, w io.Writer, p Partition) error {
		return e.ExtractChunks(ctx, w, p.Start, p.Count)
	})
}

// ParallelTallyRecords counts the bases of count records of e starting with
// record first.
func ParallelTallyRecords(ctx context.Context, e RecordExtractor, first, count uint64, opts ...options.ROption) (fastq.Tally, error) {
	parts, o, err := recordPartitions(e, first, count, opts)
	if err != nil {
		return fastq.Tally{}, err
	}
	return tally(ctx, o, parts, func(ctx context.Context, w io.Writer, p Partition) error {
		return e.ExtractRecords(ctx, w, p.Start, p.Count)
	})
}

func parallelOptions(opts []options.ROption) (*options.ReaderOptions, error) {
	var o options.ReaderOptions
	o.SetDefault()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func chunkPartitions(e ChunkExtractor, start, n uint64, opts []options.ROption) ([]Partition, *options.ReaderOptions, error) {
	o, err := parallelOptions(opts)
	if err != nil {
		return nil, nil, err
	}
	chunks := e.NumChunks()
	if start == 0 || start > chunks {
		return nil, nil, fmt.Errorf("%w: chunk %d of %d", ErrInvalidRange, start, chunks)
	}
	if n == 0 {
		n = chunks - start + 1
	}
	if n > chunks-start+1 {
		return nil, nil, fmt.Errorf("%w: chunks [%d, %d) of %d", ErrInvalidRange, start, start+n, chunks)
	}
	return Partitions(start, n, o.Threads), o, nil
}

func recordPartitions(e RecordExtractor, first, count uint64, opts []options.ROption) ([]Partition, *options.ReaderOptions, error) {
	o, err := parallelOptions(opts)
	if err != nil {
		return nil, nil, err
	}
	total := e.NumRecords()
	if first == 0 || first > total {
		return nil, nil, fmt.Errorf("%w: record %d of %d", ErrInvalidRange, first, total)
	}
	if count == 0 || count > total-first+1 {
		count = total - first + 1
	}
	return Partitions(first, count, o.Threads), o, nil
}

type extractFunc func(ctx context.Context, w io.Writer, p Partition) error

func extractText(ctx context.Context, o *options.ReaderOptions, parts []Partition, w io.Writer, extract extractFunc) error {
	bufs := make([]bytes.Buffer, len(parts))
	sinks := make([]io.Writer, len(parts))
	for i := range bufs {
		sinks[i] = &bufs[i]
	}
	if err := run(ctx, o, parts, sinks, extract); err != nil {
		return err
	}

	for i := range bufs {
		if _, err := bufs[i].WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func tally(ctx context.Context, o *options.ReaderOptions, parts []Partition, extract extractFunc) (fastq.Tally, error) {
	tallies := make([]fastq.Tally, len(parts))
	sinks := make([]io.Writer, len(parts))
	for i := range tallies {
		sinks[i] = &tallies[i]
	}

	var sum fastq.Tally
	if err := run(ctx, o, parts, sinks, extract); err != nil {
		return sum, err
	}
	for _, t := range tallies {
		sum.Add(t)
	}
	return sum, nil
}

// run extracts every partition into its own sink, one goroutine each. The
// first failure cancels the others.
func run(ctx context.Context, o *options.ReaderOptions, parts []Partition, sinks []io.Writer, extract extractFunc) error {
	var produced atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		w := &progressWriter{w: sinks[i], n: &produced}
		g.Go(func() error {
			if err := extract(gctx, w, p); err != nil {
				return fmt.Errorf("partition %d [%d, +%d): %w", i, p.Start, p.Count, err)
			}
			o.Logger.Debug("partition done",
				zap.Int("partition", i),
				zap.Uint64("start", p.Start),
				zap.Uint64("count", p.Count),
				zap.Uint64("produced", produced.Load()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.Logger.Info("extraction done", zap.Int("partitions", len(parts)), zap.Uint64("bytes", produced.Load()))
	return nil
}

type progressWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n.Add(uint64(n)) //nolint:gosec // n is never negative
	return n, err
}
