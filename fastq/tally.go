package fastq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidNucleotide is returned when a sequence line holds anything
// other than A, C, G, T or N, which means record framing is lost.
var ErrInvalidNucleotide = errors.New("invalid nucleotide")

// Tally counts bases on sequence lines (the 2nd line of each record). It is
// an io.Writer so it can consume an extraction stream directly; the stream
// must start at a record boundary.
type Tally struct {
	A, C, G, T, N uint64

	line uint64
}

var _ io.Writer = (*Tally)(nil)

func (t *Tally) Write(p []byte) (int, error) {
	i := 0
	for i < len(p) {
		if t.line%LinesPerRecord != 1 {
			j := bytes.IndexByte(p[i:], '\n')
			if j < 0 {
				break
			}
			i += j + 1
			t.line++
			continue
		}

		switch c := p[i]; c {
		case '\n':
			t.line++
		case 'A':
			t.A++
		case 'C':
			t.C++
		case 'G':
			t.G++
		case 'T':
			t.T++
		case 'N':
			t.N++
		default:
			return i, fmt.Errorf("%w: %q in record %d", ErrInvalidNucleotide, c, t.line/LinesPerRecord+1)
		}
		i++
	}
	return len(p), nil
}

// Add sums the counts of o into t.
func (t *Tally) Add(o Tally) {
	t.A += o.A
	t.C += o.C
	t.G += o.G
	t.T += o.T
	t.N += o.N
}

// Total returns the number of counted bases.
func (t Tally) Total() uint64 {
	return t.A + t.C + t.G + t.T + t.N
}

func (t Tally) String() string {
	return fmt.Sprintf("A: %d C: %d G: %d T: %d N: %d Total: %d", t.A, t.C, t.G, t.T, t.N, t.Total())
}
