package seekable

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/inflate"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

// Reader extracts records from the original gzip stream by resuming
// decompression at the access points of an Index.
//
// Reader is safe for concurrent use: every extraction opens its own handle
// through the environment.
type Reader struct {
	idx *Index
	o   options.ReaderOptions
}

var (
	_ ChunkExtractor  = (*Reader)(nil)
	_ RecordExtractor = (*Reader)(nil)
)

// NewReader returns a Reader over the stream described by idx. The source is
// set with options.WithREnvironment or options.WithRFile.
func NewReader(idx *Index, opts ...options.ROption) (*Reader, error) {
	r := Reader{idx: idx}
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

// Index returns the index the reader was created with.
func (r *Reader) Index() *Index { return r.idx }

func (r *Reader) NumChunks() uint64 { return r.idx.NumChunks() }

func (r *Reader) NumRecords() uint64 { return r.idx.NumRecords() }

// ExtractRecords writes count records starting with record first (1-based)
// to w. A zero count extracts until the end of the stream.
func (r *Reader) ExtractRecords(ctx context.Context, w io.Writer, first, count uint64) error {
	if first == 0 || first > r.idx.NumRecords() {
		return fmt.Errorf("%w: record %d of %d", ErrInvalidRange, first, r.idx.NumRecords())
	}
	e := r.idx.EntryBefore(first)
	return r.extract(ctx, w, e.Block, e.UncompressedOffset, first-1-e.Record, count)
}

// ExtractChunks writes chunks [start, start+n) to w. Chunks are 1-based and
// end at the record index entries; the last chunk extends to the end of the
// stream.
func (r *Reader) ExtractChunks(ctx context.Context, w io.Writer, start, n uint64) error {
	chunks := r.idx.NumChunks()
	if start == 0 || n == 0 || start > chunks || n > chunks-start+1 {
		return fmt.Errorf("%w: chunks [%d, %d) of %d", ErrInvalidRange, start, start+n, chunks)
	}

	from := r.idx.chunkStart(start)
	var count uint64
	if last := start + n - 1; last < chunks {
		count = r.idx.Records[last-1].Record - from.Record
	}
	return r.extract(ctx, w, from.Block, from.UncompressedOffset, 0, count)
}

// ExtractFrom resumes decoding at access point block, skips to the
// uncompressed offset, which must be a record boundary, and writes count
// records (zero for all) to w.
func (r *Reader) ExtractFrom(ctx context.Context, w io.Writer, block uint32, offset, count uint64) error {
	if int(block) >= len(r.idx.Points) || r.idx.Points[block].UncompressedOffset > offset {
		return fmt.Errorf("%w: offset %d from block %d", ErrInvalidRange, offset, block)
	}
	return r.extract(ctx, w, block, offset, 0, count)
}

// ExtractBytes writes up to length bytes starting at the uncompressed offset
// to w, regardless of record framing. A zero length extracts until the end of
// the stream. It returns the number of bytes written.
func (r *Reader) ExtractBytes(ctx context.Context, w io.Writer, offset, length uint64) (int64, error) {
	block := r.idx.PointBefore(offset)
	s, err := r.open(block)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	if err := s.skip(offset - r.idx.Points[block].UncompressedOffset); err != nil {
		if errors.Is(err, io.EOF) {
			// Offset is past the end of the stream.
			return 0, nil
		}
		return 0, err
	}
	var src io.Reader = ctxReader{ctx, s}
	if length > 0 {
		src = io.LimitReader(src, int64(length)) //nolint:gosec // lengths fit in int64
	}
	return io.CopyBuffer(w, src, make([]byte, WindowSize))
}

func (r *Reader) extract(ctx context.Context, w io.Writer, block uint32, offset, skip, count uint64) (err error) {
	s, err := r.open(block)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()

	if err := s.skip(offset - r.idx.Points[block].UncompressedOffset); err != nil {
		if errors.Is(err, io.EOF) {
			err = streamError("skipping to record boundary", s.cr.Offset(), io.ErrUnexpectedEOF)
		}
		return err
	}
	return copyRecords(ctx, w, s, skip, count)
}

// open resumes decoding at an access point on a fresh source handle.
func (r *Reader) open(block uint32) (*resumedStream, error) {
	p := &r.idx.Points[block]

	src, err := r.o.Env.OpenSource()
	if err != nil {
		return nil, err
	}

	start := int64(p.CompressedOffset) //nolint:gosec // offsets fit in int64
	if p.Bits > 0 {
		start--
	}
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return nil, multierr.Append(fmt.Errorf("seeking to access point %d: %w", block, err), src.Close())
	}

	cr := newCountingReader(src, start)
	dec := inflate.NewDecoder(cr)
	if p.Bits > 0 {
		c, err := cr.ReadByte()
		if err != nil {
			return nil, multierr.Append(streamError("priming access point", start, noEOF(err)), src.Close())
		}
		if err := dec.Prime(uint(p.Bits), c>>(8-p.Bits)); err != nil {
			return nil, multierr.Append(err, src.Close())
		}
	}
	dec.SetDictionary(p.Window)

	s := &resumedStream{src: src, cr: cr, dec: dec}
	// Block 0 starts on the first byte of the first member, so the whole
	// member is decoded and its checksum can be verified.
	if block == 0 {
		s.digest = &memberDigest{}
	}

	r.o.Logger.Debug("resuming at access point", zap.Uint32("block", block), zap.Object("point", p))
	return s, nil
}

// resumedStream is the logical uncompressed stream from an access point on,
// continuing across gzip members.
type resumedStream struct {
	src io.ReadSeekCloser
	cr  *countingReader
	dec *inflate.Decoder

	// digest is nil while the current member was entered mid-stream.
	digest *memberDigest
}

func (s *resumedStream) Read(p []byte) (int, error) {
	for {
		n, err := s.dec.Read(p)
		if s.digest != nil {
			s.digest.Write(p[:n])
		}
		if !errors.Is(err, io.EOF) {
			if err != nil {
				return n, streamError("decoding", s.cr.Offset(), err)
			}
			return n, nil
		}

		crc, size, err := readMemberTrailer(s.cr)
		if err == nil && s.digest != nil {
			err = s.digest.verify(crc, size)
		}
		if err != nil {
			return 0, streamError("gzip member trailer", s.cr.Offset(), err)
		}
		start := s.cr.Offset()
		if _, err := readMemberHeader(s.cr); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, streamError("gzip member header", start, err)
		}
		s.dec.Reset(s.cr)
		s.digest = &memberDigest{}
	}
}

// skip discards n bytes of output, at most a window at a time. It returns
// io.EOF if the stream ends first.
func (s *resumedStream) skip(n uint64) error {
	if n == 0 {
		return nil
	}
	buf := make([]byte, WindowSize)
	for n > 0 {
		m, err := s.Read(buf[:min(n, WindowSize)])
		n -= uint64(m)
		if err != nil && (n > 0 || !errors.Is(err, io.EOF)) {
			return err
		}
	}
	return nil
}

func (s *resumedStream) Close() error {
	return s.src.Close()
}

// copyRecords skips skip records of src and then copies count records (all
// of them if count is zero) to w.
func copyRecords(ctx context.Context, w io.Writer, src io.Reader, skip, count uint64) error {
	var (
		skipped, copied fastq.Scanner
		buf             = make([]byte, readBufferSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := src.Read(buf)
		p := buf[:n]

		if skipped.Records() < skip {
			k := skipped.Scan(p, func(record, _ uint64) bool { return record < skip })
			p = p[k:]
		}
		if count > 0 && len(p) > 0 {
			p = p[:copied.Scan(p, func(record, _ uint64) bool { return record < count })]
		}

		if len(p) > 0 {
			if _, err := w.Write(p); err != nil {
				return err
			}
		}
		if count > 0 && copied.Records() >= count {
			return nil
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
