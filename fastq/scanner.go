// Package fastq frames decoded FASTQ text into 4-line records.
package fastq

import "bytes"

// LinesPerRecord is the number of newline-terminated lines in one record.
const LinesPerRecord = 4

// Scanner counts lines and complete records over a stream of bytes that is
// fed to it in arbitrary pieces. A record is complete once the newline that
// ends its 4th line has been seen, so a record split across two calls to
// Scan is counted exactly once.
//
// The zero value is ready to use and assumes the stream starts at a record
// boundary.
type Scanner struct {
	offset  uint64
	lines   uint64
	records uint64
}

// Scan consumes p. For every record completed in p, fn is called with the
// running record count and the stream offset just past the record's last
// newline. If fn returns false, scanning stops right after that newline.
// Scan returns the number of bytes of p consumed.
func (s *Scanner) Scan(p []byte, fn func(record, end uint64) bool) int {
	i := 0
	for i < len(p) {
		j := bytes.IndexByte(p[i:], '\n')
		if j < 0 {
			break
		}
		i += j + 1
		s.lines++
		if s.lines%LinesPerRecord != 0 {
			continue
		}
		s.records++
		if fn != nil && !fn(s.records, s.offset+uint64(i)) {
			s.offset += uint64(i)
			return i
		}
	}
	s.offset += uint64(len(p))
	return len(p)
}

// Records returns the number of complete records seen.
func (s *Scanner) Records() uint64 { return s.records }

// Lines returns the number of complete lines seen.
func (s *Scanner) Lines() uint64 { return s.lines }

// Offset returns the number of bytes consumed.
func (s *Scanner) Offset() uint64 { return s.offset }

// SkipRecords returns the length of the prefix of p that holds the first n
// complete records, and whether p holds that many.
func SkipRecords(p []byte, n uint64) (int, bool) {
	if n == 0 {
		return 0, true
	}
	var s Scanner
	k := s.Scan(p, func(record, _ uint64) bool { return record < n })
	return k, s.records == n
}
