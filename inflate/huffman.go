package inflate

import (
	"errors"
	"io"
)

// huffman is a canonical Huffman code stored as the number of codes of each
// length and the symbols ordered by code.
type huffman struct {
	count  [maxBits + 1]uint16
	symbol [288]uint16
}

// build fills h from per-symbol code lengths. It returns 0 for a complete
// code, a positive number for an incomplete one and a negative number for an
// over-subscribed one.
func (h *huffman) build(lengths []uint8) int {
	h.count = [maxBits + 1]uint16{}
	for _, l := range lengths {
		h.count[l]++
	}
	if int(h.count[0]) == len(lengths) {
		return 0
	}

	left := 1
	for l := 1; l <= maxBits; l++ {
		left <<= 1
		left -= int(h.count[l])
		if left < 0 {
			return left
		}
	}

	var offs [maxBits + 1]uint16
	for l := 1; l < maxBits; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	for sym, l := range lengths {
		if l != 0 {
			h.symbol[offs[l]] = uint16(sym)
			offs[l]++
		}
	}
	return left
}

// decodeSymbol reads one code bit by bit, so no input past the code is
// consumed.
func (d *Decoder) decodeSymbol(h *huffman) (int, error) {
	bitBuf, nbits := d.bitBuf, d.nbits
	code, first, index := 0, 0, 0
	for l := 1; l <= maxBits; l++ {
		if nbits == 0 {
			c, err := d.r.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				d.bitBuf, d.nbits = 0, 0
				return 0, err
			}
			bitBuf, nbits = uint32(c), 8
		}
		code |= int(bitBuf & 1)
		bitBuf >>= 1
		nbits--

		count := int(h.count[l])
		if code-count < first {
			d.bitBuf, d.nbits = bitBuf, nbits
			return int(h.symbol[index+code-first]), nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	d.bitBuf, d.nbits = bitBuf, nbits
	return 0, corrupt("invalid huffman code")
}
