package seekable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/flate"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

// SyncReader extracts chunks and records from a stream written by
// Recompress. Every chunk is decoded independently, so no window is needed.
//
// SyncReader is safe for concurrent use.
type SyncReader struct {
	idx *SyncIndex
	o   options.ReaderOptions
}

var (
	_ ChunkExtractor  = (*SyncReader)(nil)
	_ RecordExtractor = (*SyncReader)(nil)
)

// NewSyncReader returns a SyncReader over the recompressed stream described
// by idx.
func NewSyncReader(idx *SyncIndex, opts ...options.ROption) (*SyncReader, error) {
	r := SyncReader{idx: idx}
	r.o.SetDefault()
	for _, o := range opts {
		if err := o(&r.o); err != nil {
			return nil, err
		}
	}
	if r.o.Env == nil {
		return nil, errors.New("no source environment")
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *SyncReader) Index() *SyncIndex { return r.idx }

func (r *SyncReader) NumChunks() uint64 { return r.idx.NumChunks() }

func (r *SyncReader) NumRecords() uint64 { return r.idx.NumRecords() }

// ExtractChunks writes chunks [start, start+n) to w. Chunks are 1-based.
func (r *SyncReader) ExtractChunks(ctx context.Context, w io.Writer, start, n uint64) error {
	chunks := r.idx.NumChunks()
	if start == 0 || n == 0 || start > chunks || n > chunks-start+1 {
		return fmt.Errorf("%w: chunks [%d, %d) of %d", ErrInvalidRange, start, start+n, chunks)
	}

	buf, err := r.decodeSpan(ctx, r.idx.Points[start-1], r.idx.Points[start-1+n])
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ExtractReads writes records startRead through endRead (1-based, inclusive)
// to w. endRead is clamped to the number of records.
func (r *SyncReader) ExtractReads(ctx context.Context, w io.Writer, startRead, endRead uint64) error {
	total := r.idx.NumRecords()
	if startRead == 0 || startRead > endRead || startRead > total {
		return fmt.Errorf("%w: records [%d, %d] of %d", ErrInvalidRange, startRead, endRead, total)
	}
	endRead = min(endRead, total)

	points := r.idx.Points
	// Last point with LastRecord < startRead; the zero entry always qualifies.
	from := sort.Search(len(points), func(i int) bool { return points[i].LastRecord >= startRead }) - 1
	// First point with LastRecord >= endRead; the terminal entry always qualifies.
	to := sort.Search(len(points), func(i int) bool { return points[i].LastRecord >= endRead })

	buf, err := r.decodeSpan(ctx, points[from], points[to])
	if err != nil {
		return err
	}

	skip, ok := fastq.SkipRecords(buf, startRead-1-points[from].LastRecord)
	if ok {
		buf = buf[skip:]
		var keep int
		keep, ok = fastq.SkipRecords(buf, endRead-startRead+1)
		buf = buf[:keep]
	}
	if !ok {
		return fmt.Errorf("%w: chunks %d to %d do not hold records [%d, %d]",
			ErrCorruptStream, from+1, to, startRead, endRead)
	}

	_, err = w.Write(buf)
	return err
}

// ExtractRecords writes count records starting with record first (1-based)
// to w. A zero count extracts until the last complete record.
func (r *SyncReader) ExtractRecords(ctx context.Context, w io.Writer, first, count uint64) error {
	end := r.idx.NumRecords()
	if count > 0 && first+count-1 < end {
		end = first + count - 1
	}
	return r.ExtractReads(ctx, w, first, end)
}

// decodeSpan returns the uncompressed bytes between two sync points.
func (r *SyncReader) decodeSpan(ctx context.Context, from, to SyncPoint) (_ []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := r.o.Env.OpenSource()
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, src.Close())
	}()

	start := int64(from.CompressedOffset) //nolint:gosec // offsets fit in int64
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to sync point: %w", err)
	}
	span := make([]byte, to.CompressedOffset-from.CompressedOffset, to.CompressedOffset-from.CompressedOffset+uint64(len(finalEmptyBlock)))
	if _, err := io.ReadFull(src, span); err != nil {
		return nil, streamError("reading chunk", start, noEOF(err))
	}

	body := span
	if from.CompressedOffset == 0 {
		cr := newCountingReader(bytes.NewReader(span), 0)
		if _, err := readMemberHeader(cr); err != nil {
			return nil, streamError("gzip header", 0, noEOF(err))
		}
		body = span[cr.Offset():]
	}

	r.o.Logger.Debug("decoding span",
		zap.Object("from", &from), zap.Object("to", &to), zap.Int("compressed", len(span)))

	fr := flate.NewReader(bytes.NewReader(append(body, finalEmptyBlock...)))
	defer func() {
		err = multierr.Append(err, fr.Close())
	}()

	out := make([]byte, to.UncompressedOffset-from.UncompressedOffset)
	if _, err := io.ReadFull(fr, out); err != nil {
		return nil, streamError("decoding chunk", start, noEOF(err))
	}
	return out, nil
}
