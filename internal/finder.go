package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ImageGuard/internal/sentry"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

var ErrFailFast = errors.New("fail-fast: stopped on first error") // sentinel error

const statsInterval = 2 * time.Second

// Record statuses.
const (
	StatusPassed   = "passed"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// FileScanner runs the core scanner over files, archive entries and URLs.
type FileScanner struct{}

func NewFileScanner() *FileScanner { return &FileScanner{} }

// ScanRecord is reported to the sink once per task, and once per walk error.
// Error is set only when no scan took place (unreadable directory, broken archive).
type ScanRecord struct {
	RunID       string         `json:"run_id"`
	Source      string         `json:"source"`
	InnerPath   string         `json:"inner_path,omitempty"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Result      *sentry.Result `json:"result,omitempty"`
	Error       error          `json:"-"`
	ErrorText   string         `json:"error,omitempty"`
	Quarantined string         `json:"quarantined,omitempty"`

	task Task
}

// failed reports whether the record should stop a fail-fast run.
func (r *ScanRecord) failed() bool {
	if r.Error != nil {
		return true
	}
	return r.Result != nil && r.Result.Rejection != nil && r.Result.Rejection.Kind == sentry.KindReadError
}

// Scan is the main pipeline.
func (fs *FileScanner) Scan(ctx context.Context, opts ScanOptions, onResult func(ScanRecord)) error {
	var extra []sentry.Rule
	if opts.PatternFile != "" {
		rules, err := LoadPatterns(opts.PatternFile)
		if err != nil {
			return err
		}
		extra = rules
	}
	sc, err := sentry.New(opts.scannerOptions(extra))
	if err != nil {
		return err
	}

	parent := ctx
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	var (
		found     atomic.Int64
		processed atomic.Int64
		rejected  atomic.Int64
		errorsC   atomic.Int64
	)

	emit := func(rec ScanRecord) {
		if rec.failed() {
			errorsC.Add(1)
		} else if rec.Result != nil && !rec.Result.Passed() {
			rejected.Add(1)
		}
		onResult(rec)
		if opts.FailFast && rec.failed() {
			cancel(ErrFailFast)
		}
	}

	fileCh := make(chan Task, 2048)
	var wg sync.WaitGroup

	pool, err := ants.NewPoolWithFunc(opts.Threads, func(i interface{}) {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		t := i.(Task)
		processed.Add(1)
		emit(fs.scanTask(ctx, sc, t))
	})
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	defer pool.Release()

	send := func(t Task) bool {
		select {
		case fileCh <- t:
			found.Add(1)
			return true
		case <-ctx.Done():
			return false
		}
	}

	// walker owns fileCh and closes it when done
	walkErr := make(chan error, 1)
	go func() {
		defer close(fileCh)
		walkErr <- fs.walk(ctx, &opts, send, emit)
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case t, ok := <-fileCh:
			if !ok {
				break loop
			}
			wg.Add(1)
			if err := pool.Invoke(t); err != nil {
				wg.Done()
				logrus.WithError(err).Error("submit task")
				if opts.FailFast {
					cancel(ErrFailFast)
				}
			}
		case <-ticker.C:
			logrus.Infof("Stats: found=%d processed=%d rejected=%d errors=%d",
				found.Load(), processed.Load(), rejected.Load(), errorsC.Load())
		}
	}

	wg.Wait()
	werr := <-walkErr

	if errors.Is(context.Cause(ctx), ErrFailFast) {
		return ErrFailFast
	}
	if err := parent.Err(); err != nil {
		return err
	}
	return werr
}

// walk queues URLs first, then every matching file below the roots.
func (fs *FileScanner) walk(ctx context.Context, opts *ScanOptions, send func(Task) bool, emit func(ScanRecord)) error {
	for _, u := range opts.URLs {
		if !send(Task{path: u, kind: TaskURL}) {
			return ctx.Err()
		}
	}
	for _, root := range opts.Roots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := WalkWithDepth(ctx, root, opts.Depth, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				emit(ScanRecord{Source: path, Kind: TaskFile.String(), Error: err})
				if opts.FailFast {
					return ErrFailFast
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if opts.Archives && IsArchive(path) {
				n, err := WalkArchive(ctx, path, send, opts)
				if err != nil && ctx.Err() == nil {
					emit(ScanRecord{Source: path, Kind: TaskArchiveEntry.String(), Error: err})
					if opts.FailFast {
						return ErrFailFast
					}
				}
				logrus.WithFields(logrus.Fields{"archive": path, "entries": n}).Debug("Archive queued")
				return nil
			}
			ext := strings.ToLower(filepath.Ext(d.Name()))
			if !opts.allowedExt(ext) {
				return nil
			}
			if !send(Task{path: path}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileScanner) scanTask(ctx context.Context, sc *sentry.Scanner, t Task) ScanRecord {
	rec := ScanRecord{Source: t.path, InnerPath: t.innerPath, Kind: t.kind.String(), task: t}
	switch t.kind {
	case TaskURL:
		rec.Result = sc.ScanURL(ctx, t.path)
	case TaskArchiveEntry:
		rec.Result = fs.scanArchiveEntry(ctx, sc, t)
	default:
		rec.Result = sc.ScanFile(ctx, t.path)
	}
	return rec
}

// scanArchiveEntry declares the entry's type from its name and streams it
// into the scanner only after type and size pass.
func (fs *FileScanner) scanArchiveEntry(ctx context.Context, sc *sentry.Scanner, t Task) *sentry.Result {
	name := entryName(t.path, t.innerPath)
	rc, size, err := openArchiveEntry(ctx, t.path, t.innerPath)
	if err != nil {
		return sentry.ReadFailure(name, err)
	}
	defer rc.Close()
	return sc.ScanReader(ctx, name, sentry.MIMEFromName(t.innerPath), size, rc)
}

func entryName(archivePath, inner string) string {
	return archivePath + "!" + inner
}
