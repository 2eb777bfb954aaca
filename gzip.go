package seekable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	gzipTrailerSize = 8
	readBufferSize  = 128 << 10
)

// countingReader tracks the absolute compressed offset of the next unread
// byte. It implements flate.Reader so gzip.NewReader uses it without adding
// another buffer in front of it.
type countingReader struct {
	r   *bufio.Reader
	off int64
}

func newCountingReader(r io.Reader, base int64) *countingReader {
	return &countingReader{r: bufio.NewReaderSize(r, readBufferSize), off: base}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.off += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.off++
	}
	return b, err
}

func (c *countingReader) Offset() int64 { return c.off }

// readMemberHeader consumes one gzip member header. It returns io.EOF if
// the input holds no further member.
func readMemberHeader(r *countingReader) (gzip.Header, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return gzip.Header{}, err
	}
	return zr.Header, nil
}

// readMemberTrailer consumes the CRC-32 and ISIZE fields that end a member.
func readMemberTrailer(r io.Reader) (crc, size uint32, err error) {
	var buf [gzipTrailerSize]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, noEOF(err)
	}
	return binary.LittleEndian.Uint32(buf[0:]), binary.LittleEndian.Uint32(buf[4:]), nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// memberDigest tracks the checksum and size of one member's output.
type memberDigest struct {
	crc  uint32
	size uint32
}

func (m *memberDigest) Write(p []byte) {
	m.crc = crc32.Update(m.crc, crc32.IEEETable, p)
	m.size += uint32(len(p)) //nolint:gosec // ISIZE is defined modulo 2^32
}

func (m *memberDigest) verify(crc, size uint32) error {
	if crc != m.crc || size != m.size {
		return fmt.Errorf("%w: member checksum %08x/%d, computed %08x/%d",
			gzip.ErrChecksum, crc, size, m.crc, m.size)
	}
	return nil
}

// gzipHeader is a minimal member header: no name, no mtime, unknown OS.
var gzipHeader = [10]byte{0x1f, 0x8b, 8, 0, 0, 0, 0, 0, 0, 0xff}

// finalEmptyBlock is an empty stored block with BFINAL set. Appended to a
// span that ends on a flush point, it makes the span a complete raw stream.
var finalEmptyBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}
