package seekable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/env"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
)

// fastqData returns n records with sequences of varying length.
func fastqData(n int) []byte {
	rng := rand.New(rand.NewPCG(uint64(n), 42))
	var b bytes.Buffer
	for i := 1; i <= n; i++ {
		l := 40 + rng.IntN(120)
		fmt.Fprintf(&b, "@read%d/1\n", i)
		for j := 0; j < l; j++ {
			b.WriteByte("ACGTN"[rng.IntN(5)])
		}
		b.WriteString("\n+\n")
		for j := 0; j < l; j++ {
			b.WriteByte(byte('!' + rng.IntN(40)))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// gzipData compresses data as the given number of concatenated members,
// split at arbitrary offsets.
func gzipData(t testing.TB, data []byte, members, level int) []byte {
	t.Helper()

	var b bytes.Buffer
	step := len(data)/members + 1
	for len(data) > 0 {
		n := min(step, len(data))
		w, err := gzip.NewWriterLevel(&b, level)
		require.NoError(t, err)
		_, err = w.Write(data[:n])
		require.NoError(t, err)
		require.NoError(t, w.Close())
		data = data[n:]
	}
	return b.Bytes()
}

// records returns records first through last (1-based, inclusive) of data.
func records(t testing.TB, data []byte, first, last uint64) []byte {
	t.Helper()

	start, ok := fastq.SkipRecords(data, first-1)
	require.True(t, ok)
	n, ok := fastq.SkipRecords(data[start:], last-first+1)
	require.True(t, ok)
	return data[start : start+n]
}

// expectedTally counts bases line by line.
func expectedTally(data []byte) fastq.Tally {
	var t fastq.Tally
	for i, line := range bytes.Split(data, []byte("\n")) {
		if i%fastq.LinesPerRecord != 1 {
			continue
		}
		t.A += uint64(bytes.Count(line, []byte("A")))
		t.C += uint64(bytes.Count(line, []byte("C")))
		t.G += uint64(bytes.Count(line, []byte("G")))
		t.T += uint64(bytes.Count(line, []byte("T")))
		t.N += uint64(bytes.Count(line, []byte("N")))
	}
	return t
}

// countingEnv counts the handles opened through it.
type countingEnv struct {
	env.REnvironment
	opens atomic.Int64
}

func newCountingEnv(data []byte) *countingEnv {
	return &countingEnv{REnvironment: env.NewMemoryEnvironment(data)}
}

func (e *countingEnv) OpenSource() (io.ReadSeekCloser, error) {
	e.opens.Add(1)
	return e.REnvironment.OpenSource()
}

var errInjected = errors.New("injected failure")

// failingEnv fails every open after the first healthy ones.
type failingEnv struct {
	env.REnvironment
	healthy int64
	opens   atomic.Int64
}

func (e *failingEnv) OpenSource() (io.ReadSeekCloser, error) {
	if e.opens.Add(1) <= e.healthy {
		return e.REnvironment.OpenSource()
	}
	return nil, errInjected
}
