package seekable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

/*
The sync point file is a flat sequence of entries of the following form, with
no header:

|`Compressed_Offset`|`Uncompressed_Offset`|`Last_Record`|
|-------------------|---------------------|-------------|
| 8 bytes           | 8 bytes             | 8 bytes     |

All fields are little-endian. There is one entry per full flush and one
terminal entry for the end of the stream.
*/
const syncPointSize = 24

// SyncPoint is the state of a recompressed stream right after a full flush.
type SyncPoint struct {
	// CompressedOffset is the number of compressed bytes written so far,
	// including the gzip header.
	CompressedOffset uint64
	// UncompressedOffset is the number of uncompressed bytes written so far.
	UncompressedOffset uint64
	// LastRecord is the number of complete records written so far.
	LastRecord uint64
}

func (p *SyncPoint) marshalBinaryInline(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], p.CompressedOffset)
	binary.LittleEndian.PutUint64(dst[8:], p.UncompressedOffset)
	binary.LittleEndian.PutUint64(dst[16:], p.LastRecord)
}

func (p *SyncPoint) MarshalBinary() ([]byte, error) {
	dst := make([]byte, syncPointSize)
	p.marshalBinaryInline(dst)
	return dst, nil
}

func (p *SyncPoint) UnmarshalBinary(b []byte) error {
	if len(b) != syncPointSize {
		return fmt.Errorf("entry length mismatch %d vs %d", len(b), syncPointSize)
	}
	p.CompressedOffset = binary.LittleEndian.Uint64(b[0:])
	p.UncompressedOffset = binary.LittleEndian.Uint64(b[8:])
	p.LastRecord = binary.LittleEndian.Uint64(b[16:])
	return nil
}

func (p *SyncPoint) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("CompressedOffset", p.CompressedOffset)
	enc.AddUint64("UncompressedOffset", p.UncompressedOffset)
	enc.AddUint64("LastRecord", p.LastRecord)
	return nil
}

// SyncIndex is the table of sync points of a recompressed stream. Points[0]
// is the all-zero start of the stream, which is not stored on disk; chunk k
// (1-based) spans Points[k-1] to Points[k].
type SyncIndex struct {
	Points []SyncPoint
}

// NumChunks returns the number of chunks in the stream.
func (s *SyncIndex) NumChunks() uint64 {
	if len(s.Points) == 0 {
		return 0
	}
	return uint64(len(s.Points) - 1)
}

// NumRecords returns the number of complete records in the stream.
func (s *SyncIndex) NumRecords() uint64 {
	if len(s.Points) == 0 {
		return 0
	}
	return s.Points[len(s.Points)-1].LastRecord
}

// Validate checks that the table starts with the zero entry and never goes
// backwards.
func (s *SyncIndex) Validate() error {
	if len(s.Points) < 2 {
		return fmt.Errorf("%w: %d sync points", ErrCorruptIndex, len(s.Points))
	}
	if s.Points[0] != (SyncPoint{}) {
		return fmt.Errorf("%w: first sync point is not the start of the stream", ErrCorruptIndex)
	}
	for i := 1; i < len(s.Points); i++ {
		prev, cur := s.Points[i-1], s.Points[i]
		if cur.CompressedOffset < prev.CompressedOffset ||
			cur.UncompressedOffset < prev.UncompressedOffset ||
			cur.LastRecord < prev.LastRecord {
			return fmt.Errorf("%w: sync point %d is before sync point %d", ErrCorruptIndex, i, i-1)
		}
	}
	return nil
}

// WriteTo writes the table without the leading zero entry.
func (s *SyncIndex) WriteTo(w io.Writer) (int64, error) {
	if len(s.Points) == 0 {
		return 0, nil
	}
	table := make([]byte, (len(s.Points)-1)*syncPointSize)
	for i, p := range s.Points[1:] {
		p.marshalBinaryInline(table[i*syncPointSize : (i+1)*syncPointSize])
	}

	n, err := w.Write(table)
	if err != nil {
		return int64(n), err
	}
	if n != len(table) {
		return int64(n), fmt.Errorf("partial write: %d out of %d", n, len(table))
	}
	return int64(n), nil
}

// ReadSyncIndex parses a sync point file and validates it.
func ReadSyncIndex(r io.Reader) (*SyncIndex, error) {
	table, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(table) == 0 || len(table)%syncPointSize != 0 {
		return nil, fmt.Errorf("%w: sync point file of %d bytes is not a non-empty multiple of %d",
			ErrCorruptIndex, len(table), syncPointSize)
	}

	s := &SyncIndex{Points: make([]SyncPoint, 1, len(table)/syncPointSize+1)}
	for off := 0; off < len(table); off += syncPointSize {
		var p SyncPoint
		if err := p.UnmarshalBinary(table[off : off+syncPointSize]); err != nil {
			return nil, err
		}
		s.Points = append(s.Points, p)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSyncIndex reads a sync point file from disk.
func LoadSyncIndex(path string) (s *SyncIndex, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return ReadSyncIndex(f)
}

// Save writes the sync point file to disk.
func (s *SyncIndex) Save(path string) error {
	return writeFile(path, func(w io.Writer) error {
		_, err := s.WriteTo(w)
		return err
	})
}
