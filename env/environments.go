package env

import (
	"bytes"
	"io"
	"os"
)

// REnvironment can be used to inject a custom source of compressed data that
// is different from a file on disk.
//
// Every call to OpenSource must return an independent handle: parallel
// extraction opens one per worker and seeks them concurrently.
type REnvironment interface {
	// OpenSource returns a new handle positioned at the start of the
	// compressed stream. The caller closes it.
	OpenSource() (io.ReadSeekCloser, error)
}

type fileEnv struct {
	path string
}

// NewFileEnvironment reads the compressed stream from the file at path.
func NewFileEnvironment(path string) REnvironment {
	return &fileEnv{path: path}
}

func (e *fileEnv) OpenSource() (io.ReadSeekCloser, error) {
	return os.Open(e.path)
}

type memoryEnv struct {
	data []byte
}

// NewMemoryEnvironment serves the compressed stream from data.
func NewMemoryEnvironment(data []byte) REnvironment {
	return &memoryEnv{data: data}
}

func (e *memoryEnv) OpenSource() (io.ReadSeekCloser, error) {
	return readSeekNopCloser{bytes.NewReader(e.data)}, nil
}

type readSeekNopCloser struct {
	io.ReadSeeker
}

func (readSeekNopCloser) Close() error { return nil }
