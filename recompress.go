package seekable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

// Recompress decodes the gzip stream src and writes it to dst as a single gzip
// member with a full flush before the first byte of every ChunkSize-th record.
// Each chunk can then be decoded on its own, without a window.
//
// The returned table describes dst; dst is not closed.
func Recompress(src io.Reader, dst io.Writer, opts ...options.WOption) (_ *SyncIndex, err error) {
	var o options.WriterOptions
	o.SetDefault()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	cr := newCountingReader(src, 0)
	zr, err := gzip.NewReader(cr)
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty input", ErrCorruptStream)
	}
	if err != nil {
		return nil, streamError("gzip header", 0, err)
	}
	defer func() {
		err = multierr.Append(err, zr.Close())
	}()

	rc := recompressor{
		w:         &countingWriter{w: dst},
		chunkSize: o.ChunkSize,
		logger:    o.Logger,
		idx:       &SyncIndex{Points: []SyncPoint{{}}},
	}
	if err := rc.w.write(gzipHeader[:]); err != nil {
		return nil, err
	}
	if rc.fw, err = flate.NewWriter(rc.w, o.Level); err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := zr.Read(buf)
		if n > 0 {
			if err := rc.write(buf[:n]); err != nil {
				return nil, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, streamError("decoding source", cr.Offset(), readErr)
		}
	}

	if err := rc.finish(); err != nil {
		return nil, err
	}
	return rc.idx, nil
}

type recompressor struct {
	w         *countingWriter
	fw        *flate.Writer
	chunkSize uint64
	logger    *zap.Logger

	idx     *SyncIndex
	scanner fastq.Scanner
	digest  memberDigest
	out     uint64

	// flushPending is set after the newline that completes a chunk. The
	// flush itself waits for the next byte so that the end of the stream
	// never gets an empty chunk.
	flushPending bool
}

func (rc *recompressor) write(p []byte) error {
	for len(p) > 0 {
		if rc.flushPending {
			if err := rc.fullFlush(); err != nil {
				return err
			}
		}

		var boundary bool
		k := rc.scanner.Scan(p, func(record, _ uint64) bool {
			boundary = record%rc.chunkSize == 0
			return !boundary
		})
		if err := rc.compress(p[:k]); err != nil {
			return err
		}
		rc.flushPending = boundary
		p = p[k:]
	}
	return nil
}

func (rc *recompressor) compress(p []byte) error {
	n, err := rc.fw.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("partial write: %d out of %d", n, len(p))
	}
	rc.digest.Write(p)
	rc.out += uint64(n)
	return nil
}

// fullFlush byte-aligns the output and drops the compressor's history.
func (rc *recompressor) fullFlush() error {
	if err := rc.fw.Flush(); err != nil {
		return err
	}
	rc.fw.Reset(rc.w)
	rc.flushPending = false
	rc.appendPoint()
	return nil
}

func (rc *recompressor) appendPoint() {
	p := SyncPoint{
		CompressedOffset:   rc.w.n,
		UncompressedOffset: rc.out,
		LastRecord:         rc.scanner.Records(),
	}
	rc.logger.Debug("appending sync point", zap.Int("chunk", len(rc.idx.Points)), zap.Object("point", &p))
	rc.idx.Points = append(rc.idx.Points, p)
}

func (rc *recompressor) finish() error {
	if err := rc.fw.Close(); err != nil {
		return err
	}

	var trailer [gzipTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:], rc.digest.crc)
	binary.LittleEndian.PutUint32(trailer[4:], rc.digest.size)
	if err := rc.w.write(trailer[:]); err != nil {
		return err
	}

	rc.appendPoint()
	rc.logger.Info("recompressed",
		zap.Uint64("chunks", rc.idx.NumChunks()),
		zap.Uint64("records", rc.scanner.Records()),
		zap.Uint64("uncompressed", rc.out),
		zap.Uint64("compressed", rc.w.n))
	return nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n) //nolint:gosec // n is never negative
	return n, err
}

func (c *countingWriter) write(p []byte) error {
	n, err := c.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("partial write: %d out of %d", n, len(p))
	}
	return nil
}
