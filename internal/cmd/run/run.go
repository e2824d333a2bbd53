package runcmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	cfgpkg "github.com/umbreak/nexus-sourcing/internal/config"
	"github.com/umbreak/nexus-sourcing/internal/indexer"
	"github.com/umbreak/nexus-sourcing/internal/runtime"
	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
	logpkg "github.com/umbreak/nexus-sourcing/pkg/log"
)

type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  logpkg.Logger

	// Indexer, Tag name the pipeline; EventType and Filter narrow it.
	Indexer   string
	Tag       string
	EventType string
	Filter    string

	// OutLog/OutTag route mapped documents to a log in the same
	// store. When OutLog is empty documents go to Out as JSON lines.
	OutLog string
	OutTag string
	Out    io.Writer
}

// Run starts one indexing pipeline and blocks until ctx is cancelled
// or an interrupt arrives. It returns the pipeline's terminal error,
// if any.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	rt, err := runtime.Open(runtime.Options{
		DataDir: filepath.Join(opts.DataDir, "store"),
		Fsync:   opts.Fsync,
		Config:  opts.Config,
		Logger:  opts.Logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	var sink indexer.Sink
	if opts.OutLog != "" {
		out, err := rt.OpenLog(opts.OutLog)
		if err != nil {
			return err
		}
		tag := opts.OutTag
		if tag == "" {
			tag = opts.Tag
		}
		sink = NewLogSink(out, tag)
	} else {
		sink = NewWriterSink(opts.Out)
	}

	if err := rt.StartIndexer(runtime.IndexerConfig{
		Indexer:   opts.Indexer,
		Tag:       opts.Tag,
		EventType: opts.EventType,
		Filter:    opts.Filter,
	}, NewEnvelopeMapper(), sink); err != nil {
		return err
	}

	<-sctx.Done()
	opts.Logger.Info("shutting down", logpkg.Str("indexer", opts.Indexer))
	return rt.StopIndexer(opts.Indexer)
}
