// Package inflate implements a raw DEFLATE (RFC 1951) decoder that can be
// suspended at block boundaries and resumed later from a saved bit position
// and a preset dictionary.
//
// The decoder pulls compressed input one byte at a time and never reads a
// byte before it needs one of its bits, so the position of the underlying
// io.ByteReader always identifies the exact compressed position of the
// decoder.
package inflate

import (
	"errors"
	"fmt"
	"io"
)

const (
	// WindowSize is the maximum back-reference distance in DEFLATE and the
	// size of a preset dictionary.
	WindowSize = 1 << 15

	maxBits     = 15
	maxLitCodes = 286
	maxDstCodes = 30

	// hist keeps the window followed by pending output; it is compacted
	// back down to a single window once it grows past compactAt.
	histCap   = 4 * WindowSize
	compactAt = 2 * WindowSize
	fillLimit = 3 * WindowSize
)

// ErrCorrupt is returned (wrapped) for malformed DEFLATE data.
var ErrCorrupt = errors.New("corrupt deflate stream")

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

type state uint8

const (
	stateHeader state = iota
	stateStored
	stateHuffman
	stateDone
)

var (
	lenBase  = [29]uint16{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258}
	lenExtra = [29]uint8{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0}
	dstBase  = [30]uint16{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577}
	dstExtra = [30]uint8{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13}

	codeLengthOrder = [19]uint8{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

	fixedLit, fixedDst huffman
)

func init() {
	var lengths [288]uint8
	for i := range lengths {
		switch {
		case i < 144:
			lengths[i] = 8
		case i < 256:
			lengths[i] = 9
		case i < 280:
			lengths[i] = 7
		default:
			lengths[i] = 8
		}
	}
	fixedLit.build(lengths[:])
	for i := 0; i < maxDstCodes; i++ {
		lengths[i] = 5
	}
	fixedDst.build(lengths[:maxDstCodes])
}

// Decoder decodes a raw DEFLATE stream.
//
// Read stops producing output at the end of every block, so a caller that
// checks AtBoundary between reads observes each block boundary that is
// followed by output.
type Decoder struct {
	r io.ByteReader

	bitBuf uint32
	nbits  uint

	hist []byte
	rpos int

	state  state
	final  bool
	stored int
	lit    *huffman
	dst    *huffman
	dyn    struct{ lit, dst huffman }

	err error
}

// NewDecoder returns a decoder positioned at the start of a raw DEFLATE stream.
func NewDecoder(r io.ByteReader) *Decoder {
	d := &Decoder{hist: make([]byte, 0, histCap)}
	d.Reset(r)
	return d
}

// Reset discards all state, including the dictionary, and starts decoding a
// new stream from r.
func (d *Decoder) Reset(r io.ByteReader) {
	d.r = r
	d.bitBuf, d.nbits = 0, 0
	d.hist = d.hist[:0]
	d.rpos = 0
	d.state = stateHeader
	d.final = false
	d.stored = 0
	d.lit, d.dst = nil, nil
	d.err = nil
}

// SetDictionary loads the history that back-references may point into.
// Only the last WindowSize bytes are used. It must be called before the
// first Read.
func (d *Decoder) SetDictionary(dict []byte) {
	if len(dict) > WindowSize {
		dict = dict[len(dict)-WindowSize:]
	}
	d.hist = append(d.hist[:0], dict...)
	d.rpos = len(d.hist)
}

// Prime inserts n (0-7) bits ahead of the input, low bit first.
func (d *Decoder) Prime(n uint, value byte) error {
	if n > 7 {
		return fmt.Errorf("cannot prime %d bits", n)
	}
	d.bitBuf = uint32(value) & (1<<n - 1)
	d.nbits = n
	return nil
}

// AtBoundary reports whether all output decoded so far has been returned and
// the next bits of input start a block header.
func (d *Decoder) AtBoundary() bool {
	return d.err == nil && d.state == stateHeader && d.rpos == len(d.hist)
}

// PendingBits returns the number of not yet consumed bits of the last byte
// taken from the input. Those are the high bits of that byte.
func (d *Decoder) PendingBits() uint {
	return d.nbits
}

// Read implements io.Reader. It returns io.EOF once the final block has been
// decoded and drained; the remaining bits of the last byte are dropped so the
// input is positioned on the byte following the stream.
func (d *Decoder) Read(p []byte) (int, error) {
	for d.rpos == len(d.hist) {
		if d.err != nil {
			return 0, d.err
		}
		d.step()
	}
	n := copy(p, d.hist[d.rpos:])
	d.rpos += n
	return n, nil
}

func (d *Decoder) step() {
	if len(d.hist) > compactAt {
		n := copy(d.hist, d.hist[len(d.hist)-WindowSize:])
		d.hist = d.hist[:n]
		d.rpos = n
	}

	var err error
	switch d.state {
	case stateHeader:
		err = d.readBlockHeader()
	case stateStored:
		err = d.copyStored()
	case stateHuffman:
		err = d.decodeCodes()
	case stateDone:
		err = io.EOF
	}
	if err != nil {
		d.err = err
	}
}

func (d *Decoder) endBlock() {
	if !d.final {
		d.state = stateHeader
		return
	}
	d.state = stateDone
	d.bitBuf, d.nbits = 0, 0
}

func (d *Decoder) readByte() (byte, error) {
	c, err := d.r.ReadByte()
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return c, err
}

func (d *Decoder) bits(n uint) (uint32, error) {
	for d.nbits < n {
		c, err := d.readByte()
		if err != nil {
			return 0, err
		}
		d.bitBuf |= uint32(c) << d.nbits
		d.nbits += 8
	}
	v := d.bitBuf & (1<<n - 1)
	d.bitBuf >>= n
	d.nbits -= n
	return v, nil
}

func (d *Decoder) readBlockHeader() error {
	h, err := d.bits(3)
	if err != nil {
		return err
	}
	d.final = h&1 == 1

	switch h >> 1 {
	case 0:
		// The rest of the current byte is padding.
		d.bitBuf, d.nbits = 0, 0
		var hdr [4]byte
		for i := range hdr {
			if hdr[i], err = d.readByte(); err != nil {
				return err
			}
		}
		length := uint16(hdr[0]) | uint16(hdr[1])<<8
		nlength := uint16(hdr[2]) | uint16(hdr[3])<<8
		if length != ^nlength {
			return corrupt("stored block length %d does not match complement %d", length, nlength)
		}
		d.stored = int(length)
		d.state = stateStored
	case 1:
		d.lit, d.dst = &fixedLit, &fixedDst
		d.state = stateHuffman
	case 2:
		if err := d.readDynamicTables(); err != nil {
			return err
		}
		d.lit, d.dst = &d.dyn.lit, &d.dyn.dst
		d.state = stateHuffman
	default:
		return corrupt("invalid block type")
	}
	return nil
}

func (d *Decoder) copyStored() error {
	n := min(d.stored, fillLimit-len(d.hist))
	for i := 0; i < n; i++ {
		c, err := d.readByte()
		if err != nil {
			return err
		}
		d.hist = append(d.hist, c)
	}
	d.stored -= n
	if d.stored == 0 {
		d.endBlock()
	}
	return nil
}

func (d *Decoder) decodeCodes() error {
	for len(d.hist) < fillLimit {
		sym, err := d.decodeSymbol(d.lit)
		if err != nil {
			return err
		}
		switch {
		case sym < 256:
			d.hist = append(d.hist, byte(sym))
			continue
		case sym == 256:
			d.endBlock()
			return nil
		}

		sym -= 257
		if sym >= len(lenBase) {
			return corrupt("invalid length symbol %d", sym+257)
		}
		extra, err := d.bits(uint(lenExtra[sym]))
		if err != nil {
			return err
		}
		length := int(lenBase[sym]) + int(extra)

		dsym, err := d.decodeSymbol(d.dst)
		if err != nil {
			return err
		}
		if dsym >= len(dstBase) {
			return corrupt("invalid distance symbol %d", dsym)
		}
		if extra, err = d.bits(uint(dstExtra[dsym])); err != nil {
			return err
		}
		dist := int(dstBase[dsym]) + int(extra)
		if dist > len(d.hist) {
			return corrupt("distance %d too far back", dist)
		}

		start := len(d.hist) - dist
		if dist >= length {
			d.hist = append(d.hist, d.hist[start:start+length]...)
			continue
		}
		for i := 0; i < length; i++ {
			d.hist = append(d.hist, d.hist[start+i])
		}
	}
	return nil
}

func (d *Decoder) readDynamicTables() error {
	v, err := d.bits(14)
	if err != nil {
		return err
	}
	nlen := int(v&0x1f) + 257
	ndst := int(v>>5&0x1f) + 1
	ncode := int(v>>10) + 4
	if nlen > maxLitCodes || ndst > maxDstCodes {
		return corrupt("too many length or distance codes")
	}

	var lengths [maxLitCodes + maxDstCodes]uint8
	for i := 0; i < ncode; i++ {
		l, err := d.bits(3)
		if err != nil {
			return err
		}
		lengths[codeLengthOrder[i]] = uint8(l)
	}

	var clen huffman
	if clen.build(lengths[:19]) != 0 {
		return corrupt("incomplete code length code")
	}

	for i := 0; i < 19; i++ {
		lengths[i] = 0
	}
	for idx := 0; idx < nlen+ndst; {
		sym, err := d.decodeSymbol(&clen)
		if err != nil {
			return err
		}
		if sym < 16 {
			lengths[idx] = uint8(sym)
			idx++
			continue
		}

		var (
			prev uint8
			rep  uint32
		)
		switch sym {
		case 16:
			if idx == 0 {
				return corrupt("repeat with no previous length")
			}
			prev = lengths[idx-1]
			rep, err = d.bits(2)
			rep += 3
		case 17:
			rep, err = d.bits(3)
			rep += 3
		default:
			rep, err = d.bits(7)
			rep += 11
		}
		if err != nil {
			return err
		}
		if idx+int(rep) > nlen+ndst {
			return corrupt("too many code lengths")
		}
		for ; rep > 0; rep-- {
			lengths[idx] = prev
			idx++
		}
	}

	if lengths[256] == 0 {
		return corrupt("missing end-of-block code")
	}
	if left := d.dyn.lit.build(lengths[:nlen]); left < 0 || (left > 0 && nlen != int(d.dyn.lit.count[0]+d.dyn.lit.count[1])) {
		return corrupt("invalid literal/length code")
	}
	if left := d.dyn.dst.build(lengths[nlen : nlen+ndst]); left < 0 || (left > 0 && ndst != int(d.dyn.dst.count[0]+d.dyn.dst.count[1])) {
		return corrupt("invalid distance code")
	}
	return nil
}
