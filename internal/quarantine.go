package internal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// quarantine copies the payload behind t into folder.
// The copy lands in a temp file first and is renamed into place once complete,
// so a partial copy never appears under its final name.
func quarantine(ctx context.Context, folder string, t Task) (string, error) {
	src, err := openSource(ctx, t)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := finalSavePath(folder, t.path, t.innerPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "ig-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

// finalSavePath flattens the source path into one directory level:
// <folder>/<source> for files and <folder>/<archive>/<entry> for archive entries.
func finalSavePath(folder, filePath, innerPath string) string {
	base := flatten(filePath)
	if innerPath != "" {
		return filepath.Join(folder, base, flatten(innerPath))
	}
	return filepath.Join(folder, base)
}

func flatten(p string) string {
	p = strings.ReplaceAll(p, string(os.PathSeparator), "_")
	p = strings.ReplaceAll(p, "/", "_")
	p = strings.ReplaceAll(p, "\\", "_")
	return strings.ReplaceAll(p, ":", "_")
}
