// Command fqseek builds indexes for gzip-compressed FASTQ files and extracts
// record ranges from them in parallel.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	seekable "github.com/SaveTheRbtz/gzip-seekable-fastq-go"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/fastq"
	"github.com/SaveTheRbtz/gzip-seekable-fastq-go/options"
)

const copyBufferSize = 128 << 10

type command struct {
	args string
	run  func(ctx context.Context, fs *flag.FlagSet, c *cli)
}

var commands = map[string]command{
	"index":   {"[-c chunk] [-o points] [-r records] [-p] [-v] INPUT.gz", runIndex},
	"extract": {"[-n threads] [-s start] [-k chunks] [-o out] [-v] POINTS RECORDS INPUT.gz", runExtract},
	"count":   {"[-n threads] [-s start] [-k chunks] [-v] POINTS RECORDS INPUT.gz", runCount},
	"convert": {"[-c chunk] [-l level] [-p] [-v] INPUT.gz OUTPUT.gz OUTPUT.spi", runConvert},
	"read":    {"[-n threads] [-s start] [-k chunks] [-from R -to R] [-count] [-o out] [-v] INPUT.gz INDEX.spi", runRead},
	"verify":  {"[-n threads] [-v] POINTS RECORDS INPUT.gz", runVerify},
	"cat":     {"[-o out] [-v] INPUT.gz", runCat},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fqseek <command> [flags] args")
	for _, name := range []string{"index", "extract", "count", "convert", "read", "verify", "cat"} {
		fmt.Fprintf(os.Stderr, "  %s %s\n", name, commands[name].args)
	}
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: fqseek %s %s\n", os.Args[1], cmd.args)
		fs.PrintDefaults()
	}
	c := &cli{fs: fs}
	fs.BoolVar(&c.verbose, "v", false, "be verbose")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cmd.run(ctx, fs, c)
}

// cli holds the state shared by all commands.
type cli struct {
	fs      *flag.FlagSet
	verbose bool
	logger  *zap.Logger
}

// parse parses the command line and checks the number of positional
// arguments.
func (c *cli) parse(nargs int) []string {
	_ = c.fs.Parse(os.Args[2:])

	var err error
	if c.verbose {
		c.logger, err = zap.NewDevelopment()
	} else {
		c.logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal("failed to initialize logger", err)
	}

	if c.fs.NArg() != nargs {
		c.fs.Usage()
		os.Exit(2)
	}
	return c.fs.Args()
}

func (c *cli) sync() {
	_ = c.logger.Sync()
}

// output opens path for writing, "-" or "" being stdout. The returned close
// function flushes and closes it.
func (c *cli) output(path string) (io.Writer, func() error) {
	var f *os.File
	if path == "" || path == "-" {
		f = os.Stdout
	} else {
		var err error
		f, err = os.OpenFile(path, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			c.logger.Fatal("failed to open output", zap.Error(err))
		}
	}

	bw := bufio.NewWriterSize(f, copyBufferSize)
	return bw, func() error {
		err := bw.Flush()
		if f != os.Stdout {
			err = multierr.Append(err, f.Close())
		}
		return err
	}
}

// input opens path for reading, optionally with a progress bar on stderr.
func (c *cli) input(path string, progress bool, what string) (io.Reader, func() error) {
	f, err := os.Open(path)
	if err != nil {
		c.logger.Fatal("failed to open input", zap.Error(err))
	}
	if !progress {
		return f, f.Close
	}

	st, err := f.Stat()
	if err != nil {
		c.logger.Fatal("failed to stat input", zap.Error(err))
	}
	bar := progressbar.DefaultBytes(st.Size(), what)
	return io.TeeReader(f, bar), func() error {
		return multierr.Append(bar.Finish(), f.Close())
	}
}

func (c *cli) loadIndex(points, records, input string, threads int) *seekable.Reader {
	idx, err := seekable.LoadIndex(points, records)
	if err != nil {
		c.logger.Fatal("failed to load index", zap.Error(err))
	}
	r, err := seekable.NewReader(idx,
		options.WithRFile(input), options.WithRLogger(c.logger), options.WithThreads(threads))
	if err != nil {
		c.logger.Fatal("failed to create reader", zap.Error(err))
	}
	return r
}

func (c *cli) readerOptions(threads int) []options.ROption {
	return []options.ROption{options.WithThreads(threads), options.WithRLogger(c.logger)}
}

func runIndex(_ context.Context, fs *flag.FlagSet, c *cli) {
	var (
		chunk           uint64
		points, records string
		progress        bool
	)
	fs.Uint64Var(&chunk, "c", options.DefaultChunkSize, "records between record index entries")
	fs.StringVar(&points, "o", "", "access point file (default INPUT.gz.idx)")
	fs.StringVar(&records, "r", "", "record index file (default INPUT.gz.ridx)")
	fs.BoolVar(&progress, "p", false, "show progress")
	args := c.parse(1)
	defer c.sync()

	input := args[0]
	if points == "" {
		points = input + ".idx"
	}
	if records == "" {
		records = input + ".ridx"
	}

	src, closeSrc := c.input(input, progress, "indexing")
	idx, err := seekable.BuildIndex(src,
		options.WithChunkSize(chunk), options.WithSourceName(input), options.WithWLogger(c.logger))
	err = multierr.Append(err, closeSrc())
	if err != nil {
		c.logger.Fatal("failed to build index", zap.Error(err))
	}

	if err := idx.Save(points, records); err != nil {
		c.logger.Fatal("failed to save index", zap.Error(err))
	}
	c.logger.Info("index saved",
		zap.String("points", points), zap.String("records", records),
		zap.Uint64("chunks", idx.NumChunks()), zap.Uint64("total_records", idx.NumRecords()))
}

func runExtract(ctx context.Context, fs *flag.FlagSet, c *cli) {
	var (
		threads      int
		start, count uint64
		out          string
	)
	fs.IntVar(&threads, "n", options.DefaultThreads, "number of threads")
	fs.Uint64Var(&start, "s", 1, "first chunk")
	fs.Uint64Var(&count, "k", 0, "number of chunks (0 for all)")
	fs.StringVar(&out, "o", "-", "output file")
	args := c.parse(3)
	defer c.sync()

	r := c.loadIndex(args[0], args[1], args[2], threads)
	w, closeOut := c.output(out)
	err := seekable.ParallelExtract(ctx, r, w, start, count, c.readerOptions(threads)...)
	if err = multierr.Append(err, closeOut()); err != nil {
		c.logger.Fatal("failed to extract", zap.Error(err))
	}
}

func runCount(ctx context.Context, fs *flag.FlagSet, c *cli) {
	var (
		threads      int
		start, count uint64
	)
	fs.IntVar(&threads, "n", options.DefaultThreads, "number of threads")
	fs.Uint64Var(&start, "s", 1, "first chunk")
	fs.Uint64Var(&count, "k", 0, "number of chunks (0 for all)")
	args := c.parse(3)
	defer c.sync()

	r := c.loadIndex(args[0], args[1], args[2], threads)
	tally, err := seekable.ParallelTally(ctx, r, start, count, c.readerOptions(threads)...)
	if err != nil {
		c.logger.Fatal("failed to count", zap.Error(err))
	}
	fmt.Println(tally)
}

func runConvert(_ context.Context, fs *flag.FlagSet, c *cli) {
	var (
		chunk    uint64
		level    int
		progress bool
	)
	fs.Uint64Var(&chunk, "c", options.DefaultChunkSize, "records between sync points")
	fs.IntVar(&level, "l", gzip.DefaultCompression, "compression level")
	fs.BoolVar(&progress, "p", false, "show progress")
	args := c.parse(3)
	defer c.sync()

	src, closeSrc := c.input(args[0], progress, "converting")
	w, closeOut := c.output(args[1])
	idx, err := seekable.Recompress(src, w,
		options.WithChunkSize(chunk), options.WithLevel(level), options.WithWLogger(c.logger))
	err = multierr.Combine(err, closeSrc(), closeOut())
	if err != nil {
		c.logger.Fatal("failed to recompress", zap.Error(err))
	}

	if err := idx.Save(args[2]); err != nil {
		c.logger.Fatal("failed to save sync point table", zap.Error(err))
	}
	c.logger.Info("sync point table saved",
		zap.String("path", args[2]), zap.Uint64("chunks", idx.NumChunks()), zap.Uint64("records", idx.NumRecords()))
}

func runRead(ctx context.Context, fs *flag.FlagSet, c *cli) {
	var (
		threads      int
		start, count uint64
		from, to     uint64
		countOnly    bool
		out          string
	)
	fs.IntVar(&threads, "n", options.DefaultThreads, "number of threads")
	fs.Uint64Var(&start, "s", 1, "first chunk")
	fs.Uint64Var(&count, "k", 0, "number of chunks (0 for all)")
	fs.Uint64Var(&from, "from", 0, "first record (enables record mode)")
	fs.Uint64Var(&to, "to", 0, "last record (0 for the last one)")
	fs.BoolVar(&countOnly, "count", false, "count bases instead of printing records")
	fs.StringVar(&out, "o", "-", "output file")
	args := c.parse(2)
	defer c.sync()

	idx, err := seekable.LoadSyncIndex(args[1])
	if err != nil {
		c.logger.Fatal("failed to load sync point table", zap.Error(err))
	}
	r, err := seekable.NewSyncReader(idx, options.WithRFile(args[0]), options.WithRLogger(c.logger))
	if err != nil {
		c.logger.Fatal("failed to create reader", zap.Error(err))
	}
	opts := c.readerOptions(threads)

	records, err := recordCount(from, to)
	if err != nil {
		c.logger.Fatal("invalid record range", zap.Uint64("from", from), zap.Uint64("to", to), zap.Error(err))
	}

	if countOnly {
		var tally fastq.Tally
		if from > 0 {
			tally, err = seekable.ParallelTallyRecords(ctx, r, from, records, opts...)
		} else {
			tally, err = seekable.ParallelTally(ctx, r, start, count, opts...)
		}
		if err != nil {
			c.logger.Fatal("failed to count", zap.Error(err))
		}
		fmt.Println(tally)
		return
	}

	w, closeOut := c.output(out)
	if from > 0 {
		err = seekable.ParallelExtractRecords(ctx, r, w, from, records, opts...)
	} else {
		err = seekable.ParallelExtract(ctx, r, w, start, count, opts...)
	}
	if err = multierr.Append(err, closeOut()); err != nil {
		c.logger.Fatal("failed to extract", zap.Error(err))
	}
}

func runVerify(ctx context.Context, fs *flag.FlagSet, c *cli) {
	var threads int
	fs.IntVar(&threads, "n", options.DefaultThreads, "number of threads")
	args := c.parse(3)
	defer c.sync()

	expected := xxhash.New()
	src, closeSrc := c.input(args[2], false, "")
	n, err := decompress(expected, src)
	if err = multierr.Append(err, closeSrc()); err != nil {
		c.logger.Fatal("failed to decompress input", zap.Int64("processed", n), zap.Error(err))
	}

	actual := xxhash.New()
	r := c.loadIndex(args[0], args[1], args[2], threads)
	if err := seekable.ParallelExtract(ctx, r, actual, 1, 0, c.readerOptions(threads)...); err != nil {
		c.logger.Fatal("failed to extract", zap.Error(err))
	}

	if actual.Sum64() != expected.Sum64() {
		c.logger.Fatal("checksum verification failed",
			zap.Uint64("actual", actual.Sum64()), zap.Uint64("expected", expected.Sum64()))
	}
	c.logger.Info("checksum verification succeeded", zap.Uint64("xxhash64", actual.Sum64()), zap.Int64("bytes", n))
}

func runCat(_ context.Context, fs *flag.FlagSet, c *cli) {
	var out string
	fs.StringVar(&out, "o", "-", "output file")
	args := c.parse(1)
	defer c.sync()

	src, closeSrc := c.input(args[0], false, "")
	w, closeOut := c.output(out)
	_, err := decompress(w, src)
	if err = multierr.Combine(err, closeSrc(), closeOut()); err != nil {
		c.logger.Fatal("failed to decompress", zap.Error(err))
	}
}

// recordCount converts the -from and -to flags of read into a record count.
// Zero means through the last record.
func recordCount(from, to uint64) (uint64, error) {
	switch {
	case to == 0:
		return 0, nil
	case from == 0:
		return 0, errors.New("-to requires -from")
	case to < from:
		return 0, fmt.Errorf("-to %d is before -from %d", to, from)
	}
	return to - from + 1, nil
}

// decompress is the sequential reference decoder.
func decompress(w io.Writer, r io.Reader) (int64, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(w, zr, make([]byte, copyBufferSize))
	return n, multierr.Append(err, zr.Close())
}
