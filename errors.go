package seekable

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/inflate"
)

var (
	// ErrCorruptIndex is returned when an index file cannot be parsed or
	// its entries are inconsistent.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrCorruptStream is returned when compressed data cannot be decoded.
	ErrCorruptStream = errors.New("corrupt compressed stream")
	// ErrInvalidRange is returned for record or chunk ranges outside of the
	// indexed data. It is always detected before any I/O.
	ErrInvalidRange = errors.New("invalid range")
)

// streamError classifies decoder failures as ErrCorruptStream and passes I/O
// faults through with context.
func streamError(what string, off int64, err error) error {
	var flateErr flate.CorruptInputError
	if errors.Is(err, inflate.ErrCorrupt) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, gzip.ErrHeader) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.As(err, &flateErr) {
		return fmt.Errorf("%w: %s at compressed offset %d: %w", ErrCorruptStream, what, off, err)
	}
	return fmt.Errorf("%s at compressed offset %d: %w", what, off, err)
}
