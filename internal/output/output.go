// Package output owns the fetched-requests artifact: its name, its reset at
// run start and the per-window appends.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"matomo-requests-tool/internal/window"
)

// Suffix ends every artifact name.
const Suffix = "_matomo_requests.json"

// FileName is <startYYYYMMDD>_<endYYYYMMDD><Suffix>, where end is the inclusive
// last instant of r. Both dates are taken in the start's zone.
func FileName(r window.Range) string {
	return r.Start.Format("20060102") + "_" + r.Last().Format("20060102") + Suffix
}

// File is an artifact on disk. It holds no handle between appends.
type File struct {
	Path string
}

// New returns the artifact for r inside dir.
func New(dir string, r window.Range) *File {
	return &File{Path: filepath.Join(dir, FileName(r))}
}

// Reset discards any existing artifact so a run never appends to a previous one.
func (f *File) Reset() error {
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.Path, err)
	}
	return nil
}

// Append writes each line followed by a newline, opening and closing the file
// around the write.
func (f *File) Append(lines []string) (err error) {
	fh, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", f.Path, cerr)
		}
	}()

	w := bufio.NewWriter(fh)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return nil
}
