// internal/logging/rotating.go
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultKeep is the number of rotated files retained when none is given.
const DefaultKeep = 5

// RotatingWriter implements io.Writer with size-based rotation. Rotated files
// are gzip-compressed and shifted down as path.1.gz .. path.N.gz.
type RotatingWriter struct {
	path    string
	maxSize int64
	keep    int
	file    *os.File
	size    int64
	mu      sync.Mutex
}

// NewRotatingWriter opens path for appending. A keep value below 1 means
// DefaultKeep.
func NewRotatingWriter(path string, maxSize int64, keep int) (*RotatingWriter, error) {
	if keep < 1 {
		keep = DefaultKeep
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	return &RotatingWriter{
		path:    path,
		maxSize: maxSize,
		keep:    keep,
		file:    f,
		size:    info.Size(),
	}, nil
}

// Write implements io.Writer. A single write larger than maxSize still goes
// to a fresh file rather than being split.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *RotatingWriter) rotated(i int) string {
	return fmt.Sprintf("%s.%d.gz", w.path, i)
}

func (w *RotatingWriter) rotate() error {
	w.file.Close()

	os.Remove(w.rotated(w.keep))
	for i := w.keep - 1; i >= 1; i-- {
		os.Rename(w.rotated(i), w.rotated(i+1))
	}

	if err := compressFile(w.path, w.rotated(1)); err != nil {
		// keep the data uncompressed rather than lose it
		os.Remove(w.rotated(1))
		os.Rename(w.path, w.path+".1")
	} else {
		os.Remove(w.path)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
