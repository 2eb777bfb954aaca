package seekable

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	pointsColumns  = "#block_num,out_offset,in_offset,bits_in,window"
	recordsColumns = "#seq_num,block_num,out_offset"

	// A window line is ~44KiB of base64.
	maxIndexLine = 1 << 20
)

func (idx *Index) writeHeader(w io.Writer, columns string) error {
	_, err := fmt.Fprintf(w, "#time: %d\n#input: %s\n#sequence_skip: %d\n%s\n",
		idx.Created.Unix(), idx.Source, idx.ChunkSize, columns)
	return err
}

// WritePoints writes the access point file.
func (idx *Index) WritePoints(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := idx.writeHeader(bw, pointsColumns); err != nil {
		return err
	}
	for i, p := range idx.Points {
		if len(p.Window) != WindowSize {
			return fmt.Errorf("access point %d: window of %d bytes", i, len(p.Window))
		}
		_, err := fmt.Fprintf(bw, "%d,%d,%d,%d,%s\n",
			i, p.UncompressedOffset, p.CompressedOffset, p.Bits, base64.StdEncoding.EncodeToString(p.Window))
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteRecords writes the record index file.
func (idx *Index) WriteRecords(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := idx.writeHeader(bw, recordsColumns); err != nil {
		return err
	}
	for _, e := range idx.Records {
		if _, err := fmt.Fprintf(bw, "%d,%d,%d\n", e.Record, e.Block, e.UncompressedOffset); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Save writes both index files.
func (idx *Index) Save(pointsPath, recordsPath string) error {
	if err := writeFile(pointsPath, idx.WritePoints); err != nil {
		return err
	}
	return writeFile(recordsPath, idx.WriteRecords)
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if err := write(f); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LoadIndex reads and validates the two index files.
func LoadIndex(pointsPath, recordsPath string) (idx *Index, err error) {
	pf, err := os.Open(pointsPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, pf.Close())
	}()

	rf, err := os.Open(recordsPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, rf.Close())
	}()

	return ReadIndex(pf, rf)
}

// ReadIndex parses an access point file and a record index file written by
// WritePoints and WriteRecords.
func ReadIndex(points, records io.Reader) (*Index, error) {
	idx := &Index{}

	ph, err := scanIndexFile(points, "access point", 5, func(fields []string) error {
		return idx.parsePoint(fields)
	})
	if err != nil {
		return nil, err
	}
	rh, err := scanIndexFile(records, "record index", 3, func(fields []string) error {
		return idx.parseRecord(fields)
	})
	if err != nil {
		return nil, err
	}

	if ph.chunkSize != rh.chunkSize {
		return nil, fmt.Errorf("%w: sequence_skip %d in access point file, %d in record index file",
			ErrCorruptIndex, ph.chunkSize, rh.chunkSize)
	}
	idx.ChunkSize = ph.chunkSize
	idx.Source = ph.source
	idx.Created = ph.created

	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

type indexHeader struct {
	created   time.Time
	source    string
	chunkSize uint64
}

func scanIndexFile(r io.Reader, kind string, nfields int, parse func([]string) error) (indexHeader, error) {
	var h indexHeader

	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), maxIndexLine)
	for line := 1; s.Scan(); line++ {
		text := s.Text()
		if text == "" {
			continue
		}

		var err error
		if strings.HasPrefix(text, "#") {
			err = h.parse(text)
		} else if fields := strings.Split(text, ","); len(fields) != nfields {
			err = fmt.Errorf("%d fields, expected %d", len(fields), nfields)
		} else {
			err = parse(fields)
		}
		if err != nil {
			return h, fmt.Errorf("%w: %s file line %d: %w", ErrCorruptIndex, kind, line, err)
		}
	}
	if err := s.Err(); err != nil {
		return h, fmt.Errorf("%w: %s file: %w", ErrCorruptIndex, kind, err)
	}
	return h, nil
}

func (h *indexHeader) parse(line string) error {
	key, value, ok := strings.Cut(strings.TrimPrefix(line, "#"), ":")
	if !ok {
		// column legend
		return nil
	}
	value = strings.TrimSpace(value)

	switch key {
	case "time":
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("time: %w", err)
		}
		h.created = time.Unix(sec, 0).UTC()
	case "input":
		h.source = value
	case "sequence_skip":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("sequence_skip: %w", err)
		}
		h.chunkSize = n
	}
	return nil
}

func (idx *Index) parsePoint(fields []string) error {
	var nums [4]uint64
	for i := range nums {
		n, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return err
		}
		nums[i] = n
	}
	if nums[0] != uint64(len(idx.Points)) {
		return fmt.Errorf("block %d out of order, expected %d", nums[0], len(idx.Points))
	}
	if nums[3] > 7 {
		return fmt.Errorf("%d residual bits", nums[3])
	}

	window, err := base64.StdEncoding.DecodeString(fields[4])
	if err != nil {
		return fmt.Errorf("window: %w", err)
	}
	if len(window) != WindowSize {
		return fmt.Errorf("window decodes to %d bytes, expected %d", len(window), WindowSize)
	}

	idx.Points = append(idx.Points, AccessPoint{
		UncompressedOffset: nums[1],
		CompressedOffset:   nums[2],
		Bits:               uint8(nums[3]),
		Window:             window,
	})
	return nil
}

func (idx *Index) parseRecord(fields []string) error {
	record, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return err
	}
	block, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return err
	}
	offset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return err
	}
	idx.Records = append(idx.Records, RecordIndexEntry{
		Record:             record,
		Block:              uint32(block),
		UncompressedOffset: offset,
	})
	return nil
}
