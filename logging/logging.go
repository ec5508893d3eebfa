package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rental_ingest/models"
)

const (
	DefaultMaxSize    = 2 * 1024 * 1024 // 2MB
	DefaultMaxBackups = 5

	backupTimeFormat = "20060102T150405.000000000"
)

// RotatingWriter is a size-capped file sink. When the active file grows past maxSize it is
// renamed to <path>.<timestamp> and only the maxBackups most recent backups are kept.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxSize    int64
	maxBackups int
	now        func() time.Time
}

// NewRotatingWriter opens (or creates) path for appending. An oversized file left over from a
// previous process is rotated before the first write.
func NewRotatingWriter(path string, maxSize int64, maxBackups int) (*RotatingWriter, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxBackups < 0 {
		maxBackups = 0
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	w := &RotatingWriter{
		path:       path,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		now:        time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	if w.size > w.maxSize {
		if err := w.rotate(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		if rerr := w.rotate(); rerr != nil && err == nil {
			err = rerr
		}
	}

	return n, err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	w.file = nil

	backup := w.path + "." + w.now().UTC().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		// keep writing to the oversized file rather than going dark
		if oerr := w.open(); oerr != nil {
			return fmt.Errorf("rotate log file: %w (reopen: %v)", err, oerr)
		}
		return fmt.Errorf("rotate log file: %w", err)
	}

	if err := w.open(); err != nil {
		return err
	}
	return w.prune()
}

// prune deletes all but the maxBackups newest backups. Backup names sort chronologically.
func (w *RotatingWriter) prune() error {
	backups, err := w.Backups()
	if err != nil {
		return err
	}
	if len(backups) <= w.maxBackups {
		return nil
	}
	for _, old := range backups[:len(backups)-w.maxBackups] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old backup: %w", err)
		}
	}
	return nil
}

// Backups lists existing backup files, oldest first.
func (w *RotatingWriter) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	var backups []string
	prefix := filepath.Base(w.path) + "."
	for _, m := range matches {
		suffix := strings.TrimPrefix(filepath.Base(m), prefix)
		if _, err := time.Parse(backupTimeFormat, suffix); err == nil {
			backups = append(backups, m)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Setup routes logrus (and the stdlib logger used by third-party code) to stdout plus a
// rotating file at logPath.
func Setup(logPath, level string, maxSize int64, maxBackups int) (*RotatingWriter, error) {
	rw, err := NewRotatingWriter(logPath, maxSize, maxBackups)
	if err != nil {
		return nil, err
	}

	logrus.SetOutput(io.MultiWriter(os.Stdout, rw))
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, defaulting to info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	log.SetFlags(0)
	log.SetOutput(logrus.StandardLogger().WriterLevel(logrus.InfoLevel))

	return rw, nil
}

// TranscriptLine formats one line of a run's in-database transcript.
func TranscriptLine(t time.Time, level models.LogLevel, step, message string) string {
	if step == "" {
		return fmt.Sprintf("[%s] %s %s\n", t.UTC().Format(time.RFC3339), strings.ToUpper(string(level)), message)
	}
	return fmt.Sprintf("[%s] %s (%s) %s\n", t.UTC().Format(time.RFC3339), strings.ToUpper(string(level)), step, message)
}

// Entry logs at the logrus level matching a transcript level.
func Entry(entry *logrus.Entry, level models.LogLevel, message string) {
	switch level {
	case models.LogLevelDebug:
		entry.Debug(message)
	case models.LogLevelWarn:
		entry.Warn(message)
	case models.LogLevelError:
		entry.Error(message)
	default:
		entry.Info(message)
	}
}
