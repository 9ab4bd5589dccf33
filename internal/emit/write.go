package emit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// staleLockAge is how old a lock file must be before it is ignored.
const staleLockAge = 10 * time.Minute

// Writer materializes artifact sets. The output directory is replaced as a
// whole: a failed write leaves the previous contents in place.
type Writer struct {
	mu sync.Mutex
}

// NewWriter creates a writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Write replaces root with exactly the given artifacts. Paths in clean are
// removed as well; they may be absolute or relative to root's parent.
func (w *Writer) Write(ctx context.Context, artifacts []Artifact, root string, clean []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	root, err := filepath.Abs(root)
	if err != nil {
		return &perrors.EmitError{Op: "write", Cause: err}
	}
	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return &perrors.EmitError{Op: "write", Cause: err}
	}

	release, err := acquireLock(root + ".lock")
	if err != nil {
		return err
	}
	defer release()

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(root)+"-staging-*")
	if err != nil {
		return &perrors.EmitError{Op: "write", Cause: err}
	}
	defer os.RemoveAll(staging)

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return &perrors.EmitError{Op: "write", Cause: err}
		}
		if err := writeArtifact(staging, a); err != nil {
			return err
		}
	}

	for _, p := range clean {
		if !filepath.IsAbs(p) {
			p = filepath.Join(parent, p)
		}
		if filepath.Clean(p) == root {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return &perrors.EmitError{Op: "clean", Cause: err}
		}
	}

	return swap(staging, root)
}

func writeArtifact(dir string, a Artifact) error {
	if err := validateFileName(a.FileName); err != nil {
		return &perrors.EmitError{Artifact: a.Name, Op: "write", Cause: err}
	}

	target := filepath.Join(dir, filepath.FromSlash(a.FileName))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &perrors.EmitError{Artifact: a.Name, Op: "write", Cause: err}
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return &perrors.EmitError{Artifact: a.Name, Op: "write", Cause: err}
	}
	if _, err := f.Write(a.Content); err != nil {
		f.Close()
		return &perrors.EmitError{Artifact: a.Name, Op: "write", Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &perrors.EmitError{Artifact: a.Name, Op: "write", Cause: err}
	}
	if err := f.Close(); err != nil {
		return &perrors.EmitError{Artifact: a.Name, Op: "write", Cause: err}
	}

	return nil
}

// validateFileName rejects names escaping the output root.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("file name %s is absolute", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("file name %s escapes the output directory", name)
		}
	}

	return nil
}

// swap moves staging into place of root, restoring the previous root if the
// final rename fails.
func swap(staging, root string) error {
	backup := ""
	if _, err := os.Stat(root); err == nil {
		backup = fmt.Sprintf("%s.previous-%d", root, time.Now().UnixNano())
		if err := os.Rename(root, backup); err != nil {
			return &perrors.EmitError{Op: "write", Cause: err}
		}
	}

	if err := os.Rename(staging, root); err != nil {
		if backup != "" {
			_ = os.Rename(backup, root)
		}

		return &perrors.EmitError{Op: "write", Cause: err}
	}

	if backup != "" {
		_ = os.RemoveAll(backup)
	}

	return nil
}

// acquireLock creates the lock file exclusively. Locks older than
// staleLockAge are taken over.
func acquireLock(path string) (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()

			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, &perrors.EmitError{Op: "lock", Cause: err}
		}

		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < staleLockAge {
			break
		}
		_ = os.Remove(path)
	}

	return nil, &perrors.EmitError{
		Op: "lock",
		Cause: perrors.NewIOError(perrors.ErrCodeOutputLocked,
			fmt.Sprintf("output directory is locked by %s", path), nil),
	}
}
