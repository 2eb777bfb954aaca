package options

import (
	"go.uber.org/zap"

	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/env"
)

// DefaultThreads is the number of extraction workers used when none is set.
const DefaultThreads = 4

type ROption func(*ReaderOptions) error

type ReaderOptions struct {
	Logger  *zap.Logger
	Env     env.REnvironment
	Threads int
}

func (o *ReaderOptions) SetDefault() {
	*o = ReaderOptions{
		Logger:  zap.NewNop(),
		Threads: DefaultThreads,
	}
}

func WithRLogger(l *zap.Logger) ROption {
	return func(o *ReaderOptions) error { o.Logger = l; return nil }
}

func WithREnvironment(e env.REnvironment) ROption {
	return func(o *ReaderOptions) error { o.Env = e; return nil }
}

// WithRFile reads the compressed stream from the file at path.
func WithRFile(path string) ROption {
	return WithREnvironment(env.NewFileEnvironment(path))
}

// WithThreads sets the number of parallel extraction workers. Values outside
// [1, 16] are clamped when work is partitioned.
func WithThreads(n int) ROption {
	return func(o *ReaderOptions) error { o.Threads = n; return nil }
}
