package seekable

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/inflate"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

// BuildIndex decodes a gzip-compressed FASTQ stream once and records access
// points and record boundaries for it. Concatenated gzip members are
// indexed as one logical stream.
func BuildIndex(r io.Reader, opts ...options.WOption) (*Index, error) {
	var o options.WriterOptions
	o.SetDefault()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	b := indexBuilder{
		idx: &Index{
			Created:   time.Now().UTC().Truncate(time.Second),
			Source:    o.SourceName,
			ChunkSize: o.ChunkSize,
		},
		logger: o.Logger,
	}
	if err := b.run(r); err != nil {
		return nil, err
	}
	return b.idx, nil
}

type indexBuilder struct {
	idx    *Index
	logger *zap.Logger

	window  window
	scanner fastq.Scanner
	out     uint64

	// pending is set once a record entry has been added after the latest
	// access point.
	pending bool
	lastEnd uint64
}

func (b *indexBuilder) run(r io.Reader) error {
	cr := newCountingReader(r, 0)
	dec := inflate.NewDecoder(cr)
	buf := make([]byte, readBufferSize)

	for member := 0; ; member++ {
		start := cr.Offset()
		hdr, err := readMemberHeader(cr)
		if errors.Is(err, io.EOF) {
			if member == 0 {
				return fmt.Errorf("%w: empty input", ErrCorruptStream)
			}
			break
		}
		if err != nil {
			return streamError(fmt.Sprintf("gzip member %d header", member), start, err)
		}
		b.logger.Debug("indexing gzip member",
			zap.Int("member", member), zap.Int64("offset", start), zap.String("name", hdr.Name))

		dec.Reset(cr)
		var digest memberDigest
		for {
			if dec.AtBoundary() {
				b.boundary(cr.Offset(), dec.PendingBits())
			}
			n, err := dec.Read(buf)
			if n > 0 {
				digest.Write(buf[:n])
				b.consume(buf[:n])
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return streamError(fmt.Sprintf("gzip member %d", member), cr.Offset(), err)
			}
		}

		crc, size, err := readMemberTrailer(cr)
		if err == nil {
			err = digest.verify(crc, size)
		}
		if err != nil {
			return streamError(fmt.Sprintf("gzip member %d trailer", member), cr.Offset(), err)
		}
	}

	b.finish()
	return nil
}

func (b *indexBuilder) boundary(in int64, bits uint) {
	points := b.idx.Points
	if n := len(points); n > 0 {
		if !b.pending || points[n-1].UncompressedOffset == b.out {
			return
		}
	}

	p := AccessPoint{
		UncompressedOffset: b.out,
		CompressedOffset:   uint64(in), //nolint:gosec // offsets are never negative
		Bits:               uint8(bits),
		Window:             b.window.snapshot(),
	}
	b.logger.Debug("adding access point", zap.Int("block", len(points)), zap.Object("point", &p))
	b.idx.Points = append(points, p)
	b.pending = false
}

func (b *indexBuilder) consume(p []byte) {
	b.window.write(p)
	b.out += uint64(len(p))
	b.scanner.Scan(p, func(record, end uint64) bool {
		b.lastEnd = end
		if record%b.idx.ChunkSize == 0 {
			b.addRecord(record, end)
		}
		return true
	})
}

func (b *indexBuilder) addRecord(record, end uint64) {
	e := RecordIndexEntry{
		Record:             record,
		Block:              uint32(len(b.idx.Points) - 1), //nolint:gosec // bounded by Validate
		UncompressedOffset: end,
	}
	b.logger.Debug("adding record entry", zap.Object("entry", &e))
	b.idx.Records = append(b.idx.Records, e)
	b.pending = true
}

func (b *indexBuilder) finish() {
	total := b.scanner.Records()
	if total > 0 && total%b.idx.ChunkSize != 0 {
		b.addRecord(total, b.lastEnd)
	}
	b.logger.Info("index built",
		zap.Int("points", len(b.idx.Points)),
		zap.Int("records", len(b.idx.Records)),
		zap.Uint64("total_records", total),
		zap.Uint64("uncompressed", b.out))
}

// window is a ring buffer over the last WindowSize bytes of output.
type window struct {
	buf  [WindowSize]byte
	pos  int
	full bool
}

func (w *window) write(p []byte) {
	if len(p) >= WindowSize {
		copy(w.buf[:], p[len(p)-WindowSize:])
		w.pos, w.full = 0, true
		return
	}
	n := copy(w.buf[w.pos:], p)
	if n < len(p) {
		copy(w.buf[:], p[n:])
		w.full = true
	}
	w.pos = (w.pos + len(p)) % WindowSize
	if w.pos == 0 && len(p) > 0 {
		w.full = true
	}
}

// snapshot returns the window in stream order, zero padded on the left.
func (w *window) snapshot() []byte {
	out := make([]byte, WindowSize)
	if !w.full {
		copy(out[WindowSize-w.pos:], w.buf[:w.pos])
		return out
	}
	n := copy(out, w.buf[w.pos:])
	copy(out[n:], w.buf[:w.pos])
	return out
}
