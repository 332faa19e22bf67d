package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/sirupsen/logrus"
)

const maxArchiveFiles = 10000 // zip-bomb protection

var errArchiveLimit = errors.New("archive file limit reached")

// IsArchive by extension. O(1) map lookup
var archiveExt = map[string]struct{}{
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".xz": {},
	".rar": {}, ".br": {}, ".lz4": {}, ".lz": {}, ".mz": {},
	".sz": {}, ".s2": {}, ".zz": {}, ".zst": {}, ".7z": {},
}

// TaskKind tells the worker where the payload lives.
type TaskKind int

const (
	TaskFile TaskKind = iota
	TaskArchiveEntry
	TaskURL
)

func (k TaskKind) String() string {
	switch k {
	case TaskArchiveEntry:
		return "archive"
	case TaskURL:
		return "url"
	default:
		return "file"
	}
}

// Task describes a unit of work
type Task struct {
	path      string
	innerPath string
	kind      TaskKind
}

// WalkWithDepth uses WalkDir and cuts branches by depth.
func WalkWithDepth(ctx context.Context, root string, maxDepth int, fn func(path string, d os.DirEntry, err error) error) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fn(path, d, err)
		}
		if maxDepth > 0 {
			rel, _ := filepath.Rel(root, path)
			if rel != "." && depthCount(rel) > maxDepth {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		return fn(path, d, nil)
	})
}

// WalkArchive feeds archive entries as tasks and returns how many were sent.
func WalkArchive(ctx context.Context, path string, send func(Task) bool, opts *ScanOptions) (int, error) {
	fsys, err := archives.FileSystem(ctx, path, nil)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	if closer, ok := fsys.(io.Closer); ok {
		defer closer.Close()
	}

	count := 0
	err = iofs.WalkDir(fsys, ".", func(inner string, d iofs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// the archive is only read here, so a corrupt one fails at the root
			if inner == "." {
				return fmt.Errorf("read archive: %w", err)
			}
			logrus.WithError(err).WithFields(logrus.Fields{"archive": path, "inner": inner}).Warn("skip archive entry")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if count >= maxArchiveFiles {
			logrus.Warnf("Archive %s truncated: too many files (>= %d)", path, maxArchiveFiles)
			return errArchiveLimit
		}
		ext := strings.ToLower(filepath.Ext(inner))
		if !opts.allowedExt(ext) {
			return nil
		}
		if !send(Task{path: path, innerPath: inner, kind: TaskArchiveEntry}) {
			return ctx.Err()
		}
		count++
		return nil
	})
	if errors.Is(err, errArchiveLimit) {
		err = nil
	}
	return count, err
}

// openArchiveEntry opens one entry and reports its uncompressed size.
// The returned closer releases both the entry and the archive.
func openArchiveEntry(ctx context.Context, archivePath, inner string) (io.ReadCloser, int64, error) {
	fsys, err := archives.FileSystem(ctx, archivePath, nil)
	if err != nil {
		return nil, 0, err
	}
	closeFS := func() {
		if closer, ok := fsys.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	f, err := fsys.Open(inner)
	if err != nil {
		closeFS()
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		closeFS()
		return nil, 0, err
	}
	return &entryReader{File: f, release: closeFS}, st.Size(), nil
}

type entryReader struct {
	iofs.File
	release func()
}

func (e *entryReader) Close() error {
	err := e.File.Close()
	e.release()
	return err
}

// openSource reopens the payload behind a task for copying.
func openSource(ctx context.Context, t Task) (io.ReadCloser, error) {
	switch t.kind {
	case TaskArchiveEntry:
		rc, _, err := openArchiveEntry(ctx, t.path, t.innerPath)
		return rc, err
	case TaskFile:
		return os.Open(t.path)
	default:
		return nil, fmt.Errorf("%s source cannot be reopened", t.kind)
	}
}

func depthCount(rel string) int {
	if rel == "" {
		return 0
	}
	return strings.Count(rel, string(os.PathSeparator)) + 1
}

func Sanitize(s string) string {
	r := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return r.Replace(s)
}

func IsArchive(path string) bool {
	_, ok := archiveExt[strings.ToLower(filepath.Ext(path))]
	return ok
}
