// Package ingest is the stream-file ingester (spec.md §4.7): it watches an
// inbox directory, decrypts and unpacks each dropped file, hands the
// extracted data files to internal/streams, and archives or quarantines the
// original depending on outcome.
//
// Grounded on apps/discovery-service/internal/worker/scan_poller.go for the
// ticker-driven poll-loop shape, and on
// original_source/sgeproxy/publisher.py's StreamsFiles/StreamFiles for the
// decrypt/unpack/dispatch/archive sequence itself.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/streams"
)

// ErrCorruptedFile means decryption or unpacking failed under every
// configured key (spec.md §7's CorruptedFile kind). The ingester quarantines
// the file rather than retry indefinitely.
var ErrCorruptedFile = errors.New("ingest: corrupted file")

// KeyPair is one AES-128-CBC (iv, key) pair. Decryption tries keys in order
// (rotation support, spec.md §4.7 step 2).
type KeyPair struct {
	IV  []byte
	Key []byte
}

// UsagePointLookup resolves a usage point's meter segment, needed only to
// pick HDM's load-curve timestamp convention (C5 vs C4, spec.md §4.8).
// The HDM parser reads the usage point id out of the file's own meta block
// and asks back through this interface.
type UsagePointLookup interface {
	GetUsagePoint(ctx context.Context, id string) (ledger.UsagePoint, error)
}

// Sink receives every (metadata, record) pair a successfully parsed file
// produces. The production wiring (cmd/ingest) publishes each pair to NATS
// JetStream so internal/fanout can consume it independently of this process
// (§5's "stream-ingestion and publisher side MAY be a separate process").
type Sink interface {
	Publish(ctx context.Context, basename string, pair streams.Pair) error
}

// Options configures one Ingester.
type Options struct {
	InboxDir   string
	ArchiveDir string
	ErrorsDir  string
	Keys       []KeyPair

	// PublishArchives inverts the source directory to ArchiveDir and
	// disables archive/quarantine moves — replay mode (spec.md §4.7,
	// "publish_archives ... intended for replay").
	PublishArchives bool

	// Filter, when non-empty, scopes a run to basenames matching this
	// glob (ported from publisher.py's --filter argument).
	Filter string

	PollInterval time.Duration
}

// Ingester runs the file-drop pipeline described in spec.md §4.7.
type Ingester struct {
	opts    Options
	lookup  UsagePointLookup
	sink    Sink
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs an Ingester. now defaults to time.Now; tests supply a fixed
// clock to make archive/<today> paths deterministic.
func New(opts Options, lookup UsagePointLookup, sink Sink, logger *zap.Logger) *Ingester {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Ingester{opts: opts, lookup: lookup, sink: sink, logger: logger, now: time.Now}
}

// Run polls the inbox on a ticker until ctx is cancelled.
func (in *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(in.opts.PollInterval)
	defer ticker.Stop()

	in.logger.Info("stream ingester started",
		zap.String("inbox", in.opts.InboxDir), zap.Duration("interval", in.opts.PollInterval))

	if err := in.ProcessOnce(ctx); err != nil {
		in.logger.Error("ingest run failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			in.logger.Info("stream ingester stopping")
			return
		case <-ticker.C:
			if err := in.ProcessOnce(ctx); err != nil {
				in.logger.Error("ingest run failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce walks the source directory (inbox, or archive under
// PublishArchives) once and processes every matching file. Each file is
// handled independently; one failure never blocks the rest.
func (in *Ingester) ProcessOnce(ctx context.Context) error {
	source := in.opts.InboxDir
	if in.opts.PublishArchives {
		source = in.opts.ArchiveDir
	}

	var basenames []string
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		basename := filepath.Base(path)
		if in.opts.Filter != "" {
			matched, globErr := filepath.Match(in.opts.Filter, basename)
			if globErr != nil {
				return globErr
			}
			if !matched {
				return nil
			}
		}
		basenames = append(basenames, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest: walk %s: %w", source, err)
	}

	for _, path := range basenames {
		in.processFile(ctx, path)
	}
	return nil
}

func (in *Ingester) processFile(ctx context.Context, path string) {
	basename := filepath.Base(path)
	logger := in.logger.With(zap.String("file", basename))

	format, ok, err := streams.DispatchFormat(basename)
	if err != nil {
		logger.Error("file does not match any known format", zap.Error(err))
		in.finish(logger, path, basename, false)
		return
	}
	if !ok {
		// _svc.xml companion: archived, no record emission (spec.md §4.7 step 1).
		in.finish(logger, path, basename, true)
		return
	}

	if perr := in.parseAndPublish(ctx, path, basename, format, logger); perr != nil {
		logger.Error("ingest failed", zap.Error(perr))
		in.finish(logger, path, basename, false)
		return
	}
	in.finish(logger, path, basename, true)
}

func (in *Ingester) parseAndPublish(ctx context.Context, path, basename string, format streams.Format, logger *zap.Logger) error {
	plaintext, err := in.decryptFile(path)
	if err != nil {
		return err
	}

	dataFiles, err := unpackIfNeeded(basename, plaintext)
	if err != nil {
		return err
	}

	// Segment is strictly C5 here, not IsLinky: P4 meters stamp like C4
	// (start-of-interval), only the C5 segment needs the end→start shift.
	// With no ledger available the common Linky case is assumed.
	isC5 := func(usagePointID string) bool {
		if in.lookup == nil {
			return true
		}
		up, lookupErr := in.lookup.GetUsagePoint(ctx, usagePointID)
		return lookupErr == nil && up.Segment != nil && *up.Segment == ledger.SegmentC5
	}

	warn := zapWarner{logger: logger}
	for _, data := range dataFiles {
		parser, perr := streams.NewParser(format, bytesReader(data), isC5, warn)
		if perr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedFile, perr)
		}
		for {
			pair, ok, nerr := parser.Next()
			if nerr != nil {
				if errors.Is(nerr, streams.ErrParse) {
					return nerr
				}
				return fmt.Errorf("%w: %v", ErrCorruptedFile, nerr)
			}
			if !ok {
				break
			}
			if in.sink != nil {
				if perr := in.sink.Publish(ctx, basename, pair); perr != nil {
					return fmt.Errorf("ingest: publish: %w", perr)
				}
			}
		}
	}
	return nil
}

func (in *Ingester) finish(logger *zap.Logger, path, basename string, success bool) {
	if in.opts.PublishArchives {
		return // replay mode never moves files (spec.md §4.7).
	}

	destDir := in.opts.ErrorsDir
	if success {
		destDir = in.opts.ArchiveDir
	}
	today := in.now().UTC().Format("2006-01-02")
	destDir = filepath.Join(destDir, today)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		logger.Error("could not create destination directory", zap.String("dir", destDir), zap.Error(err))
		return
	}
	dest := filepath.Join(destDir, basename)
	if err := os.Rename(path, dest); err != nil {
		logger.Error("could not move file", zap.String("dest", dest), zap.Error(err))
	}
}

type zapWarner struct{ logger *zap.Logger }

func (w zapWarner) Warnf(format string, args ...interface{}) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}
