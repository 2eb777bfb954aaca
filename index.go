package seekable

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap/zapcore"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/inflate"
)

// WindowSize is the length of the preset dictionary stored with every access
// point.
const WindowSize = inflate.WindowSize

// AccessPoint is a saved decoder state at a DEFLATE block boundary.
type AccessPoint struct {
	// UncompressedOffset is the offset in the logical uncompressed stream.
	UncompressedOffset uint64
	// CompressedOffset is the offset of the first compressed byte whose bits
	// are all unconsumed.
	CompressedOffset uint64
	// Bits is the number of unconsumed high bits of the byte at
	// CompressedOffset-1.
	Bits uint8
	// Window is the WindowSize bytes of output preceding UncompressedOffset,
	// left-padded with zeros near the start of the stream.
	Window []byte
}

func (p *AccessPoint) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("UncompressedOffset", p.UncompressedOffset)
	enc.AddUint64("CompressedOffset", p.CompressedOffset)
	enc.AddUint8("Bits", p.Bits)
	return nil
}

// RecordIndexEntry samples the record boundary after record Record.
type RecordIndexEntry struct {
	// Record is the number of complete records before UncompressedOffset.
	Record uint64
	// Block is the index of the access point the boundary is decoded from.
	Block uint32
	// UncompressedOffset is where record Record+1 starts.
	UncompressedOffset uint64
}

func (e *RecordIndexEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("Record", e.Record)
	enc.AddUint32("Block", e.Block)
	enc.AddUint64("UncompressedOffset", e.UncompressedOffset)
	return nil
}

// Index holds the access points of a gzip-compressed FASTQ stream together
// with a sampled mapping from record numbers to uncompressed offsets.
//
// An Index is immutable once built or loaded and may be shared by any number
// of readers.
type Index struct {
	Created   time.Time
	Source    string
	ChunkSize uint64

	Points  []AccessPoint
	Records []RecordIndexEntry

	once     sync.Once
	byRecord *btree.BTreeG[RecordIndexEntry]
	byOffset *btree.BTreeG[pointOffset]
}

type pointOffset struct {
	offset uint64
	block  uint32
}

func (idx *Index) trees() {
	idx.once.Do(func() {
		idx.byRecord = btree.NewG(16, func(a, b RecordIndexEntry) bool { return a.Record < b.Record })
		for _, e := range idx.Records {
			idx.byRecord.ReplaceOrInsert(e)
		}
		idx.byOffset = btree.NewG(16, func(a, b pointOffset) bool { return a.offset < b.offset })
		for i, p := range idx.Points {
			idx.byOffset.ReplaceOrInsert(pointOffset{offset: p.UncompressedOffset, block: uint32(i)}) //nolint:gosec // checked by Validate
		}
	})
}

// NumRecords returns the number of complete records in the stream.
func (idx *Index) NumRecords() uint64 {
	if len(idx.Records) == 0 {
		return 0
	}
	return idx.Records[len(idx.Records)-1].Record
}

// NumChunks returns the number of record chunks. Chunk k (1-based) holds the
// records between Records[k-2] (or the start of the stream) and Records[k-1].
func (idx *Index) NumChunks() uint64 {
	return uint64(len(idx.Records))
}

// EntryBefore returns the sampled boundary closest to, and not after, the
// start of record (1-based). The start of the stream is returned as an entry
// with Record 0.
func (idx *Index) EntryBefore(record uint64) RecordIndexEntry {
	idx.trees()

	var found RecordIndexEntry
	if record == 0 {
		return found
	}
	idx.byRecord.DescendLessOrEqual(RecordIndexEntry{Record: record - 1}, func(e RecordIndexEntry) bool {
		found = e
		return false
	})
	return found
}

// PointBefore returns the block number of the last access point at or before
// the uncompressed offset.
func (idx *Index) PointBefore(offset uint64) uint32 {
	idx.trees()

	var found pointOffset
	idx.byOffset.DescendLessOrEqual(pointOffset{offset: offset}, func(p pointOffset) bool {
		found = p
		return false
	})
	return found.block
}

// chunkStart returns the boundary that chunk k (1-based) starts at.
func (idx *Index) chunkStart(k uint64) RecordIndexEntry {
	if k <= 1 {
		return RecordIndexEntry{}
	}
	return idx.Records[k-2]
}

// Validate checks the ordering invariants of the index.
func (idx *Index) Validate() error {
	if idx.ChunkSize == 0 {
		return fmt.Errorf("%w: zero chunk size", ErrCorruptIndex)
	}
	if len(idx.Points) == 0 {
		return fmt.Errorf("%w: no access points", ErrCorruptIndex)
	}
	if uint64(len(idx.Points)) > math.MaxUint32 {
		return fmt.Errorf("%w: too many access points: %d", ErrCorruptIndex, len(idx.Points))
	}
	if idx.Points[0].UncompressedOffset != 0 {
		return fmt.Errorf("%w: first access point at %d", ErrCorruptIndex, idx.Points[0].UncompressedOffset)
	}
	for i, p := range idx.Points {
		if p.Bits > 7 {
			return fmt.Errorf("%w: access point %d: %d residual bits", ErrCorruptIndex, i, p.Bits)
		}
		if p.Bits > 0 && p.CompressedOffset == 0 {
			return fmt.Errorf("%w: access point %d: residual bits at offset 0", ErrCorruptIndex, i)
		}
		if len(p.Window) != WindowSize {
			return fmt.Errorf("%w: access point %d: window of %d bytes", ErrCorruptIndex, i, len(p.Window))
		}
		if i == 0 {
			continue
		}
		prev := idx.Points[i-1]
		if p.UncompressedOffset <= prev.UncompressedOffset || p.CompressedOffset <= prev.CompressedOffset {
			return fmt.Errorf("%w: access point %d is not after access point %d", ErrCorruptIndex, i, i-1)
		}
	}

	for i, e := range idx.Records {
		if int(e.Block) >= len(idx.Points) {
			return fmt.Errorf("%w: record entry %d references block %d of %d", ErrCorruptIndex, i, e.Block, len(idx.Points))
		}
		if idx.Points[e.Block].UncompressedOffset > e.UncompressedOffset {
			return fmt.Errorf("%w: record entry %d is before its access point", ErrCorruptIndex, i)
		}
		if e.Record%idx.ChunkSize != 0 && i != len(idx.Records)-1 {
			return fmt.Errorf("%w: record entry %d at record %d is not a multiple of %d",
				ErrCorruptIndex, i, e.Record, idx.ChunkSize)
		}
		if i == 0 {
			if e.Record == 0 {
				return fmt.Errorf("%w: record entry at record 0", ErrCorruptIndex)
			}
			continue
		}
		prev := idx.Records[i-1]
		if e.Record <= prev.Record || e.UncompressedOffset <= prev.UncompressedOffset || e.Block < prev.Block {
			return fmt.Errorf("%w: record entry %d is not after record entry %d", ErrCorruptIndex, i, i-1)
		}
	}
	return nil
}
