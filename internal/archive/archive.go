// Package archive keeps source files after an import instead of deleting
// them.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Archiver takes ownership of a finished operation's source file. On
// success the local file no longer exists at path.
type Archiver interface {
	// Archive stores the file at path and returns where it went.
	Archive(ctx context.Context, operationID, path, name string) (string, error)
}

// objectKey builds "<prefix>/<yyyy>/<mm>/<dd>/<operationID>-<name>".
func objectKey(prefix string, t time.Time, operationID, name string) string {
	name = strings.ReplaceAll(filepath.Base(name), " ", "_")
	return path.Join(prefix, t.Format("2006/01/02"), operationID+"-"+name)
}

// LocalArchiver moves files under a dated directory tree.
type LocalArchiver struct {
	dir string
	now func() time.Time
}

// NewLocal returns an archiver rooted at dir.
func NewLocal(dir string) *LocalArchiver {
	return &LocalArchiver{dir: dir, now: time.Now}
}

func (a *LocalArchiver) Archive(_ context.Context, operationID, src, name string) (string, error) {
	dst := filepath.Join(a.dir, filepath.FromSlash(objectKey("", a.now().UTC(), operationID, name)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	// Rename fails across devices; fall back to copy and remove.
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("remove archived source: %w", err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to archive: %w", err)
	}
	return out.Close()
}
