package options

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
)

// DefaultChunkSize is the number of records between two index samples or
// two sync points.
const DefaultChunkSize = 10000

type WOption func(*WriterOptions) error

type WriterOptions struct {
	Logger     *zap.Logger
	ChunkSize  uint64
	Level      int
	SourceName string
}

func (o *WriterOptions) SetDefault() {
	*o = WriterOptions{
		Logger:    zap.NewNop(),
		ChunkSize: DefaultChunkSize,
		Level:     flate.DefaultCompression,
	}
}

func WithWLogger(l *zap.Logger) WOption {
	return func(o *WriterOptions) error { o.Logger = l; return nil }
}

func WithChunkSize(n uint64) WOption {
	return func(o *WriterOptions) error {
		if n == 0 {
			return errors.New("chunk size must be positive")
		}
		o.ChunkSize = n
		return nil
	}
}

// WithLevel sets the DEFLATE level used when recompressing.
func WithLevel(level int) WOption {
	return func(o *WriterOptions) error {
		if level < flate.HuffmanOnly || level > flate.BestCompression {
			return fmt.Errorf("invalid compression level: %d", level)
		}
		o.Level = level
		return nil
	}
}

// WithSourceName sets the input name recorded in index file headers.
func WithSourceName(name string) WOption {
	return func(o *WriterOptions) error { o.SourceName = name; return nil }
}
