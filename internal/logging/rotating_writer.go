package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to files that rotate daily and when exceeding a
// size threshold.
//
// File naming: for a base path like logs/prismd.log the output files are
// logs/prismd-YYYY-MM-DD.log, logs/prismd-YYYY-MM-DD-2.log and so on,
// where the numeric suffix counts same-day size rollovers. The base path
// itself is kept as a symlink to the file currently being written.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu      sync.Mutex
	day     string // YYYY-MM-DD of the open file
	index   int    // 1-based rollover index within the day
	file    *os.File
	written int64
}

// NewRotatingWriter creates a rotating writer rooted at basePath. A base
// path of "-" disables file output entirely.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{io.Discard}, nil
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	if err := w.rotate(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// rotate opens a new file when the UTC day changed or the pending write
// would push the current file past maxBytes.
func (w *RotatingWriter) rotate(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.written+incoming > w.maxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir := filepath.Dir(w.basePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Base(w.basePath)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	target := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.index > 1 {
		target = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext)
	}
	path := filepath.Join(dir, target)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.written = size
	w.pointTo(path)
	return nil
}

// pointTo keeps basePath resolving to the active log file so tails keep
// working across rollovers. On filesystems without symlink support the
// base path becomes a small pointer file naming the active log; no hard
// link is attempted.
func (w *RotatingWriter) pointTo(target string) {
	if info, err := os.Lstat(w.basePath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.basePath); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.basePath)
	}
	if err := os.Symlink(target, w.basePath); err == nil {
		return
	}
	// Symlinks unavailable on some filesystems: leave a pointer file.
	if f, err := os.OpenFile(w.basePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		fmt.Fprintf(f, "current log file: %s\n", target)
		_ = f.Close()
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
