package tamperlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	logExt  = ".log"
	lockExt = ".lock"
)

// appender is the subset of *os.File the primary log writes through.
type appender interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// logFile is the append-only primary file of one log:
//
//	[8]byte: magic "TMPRLOG\x01"
//	[4]byte: header length (uint32)
//	[n]byte: header (protobuf wire format)
//	records, each framed as described on Record
//
// size is the offset just past the last record known to be durable; a
// failed append truncates back to it. If that rollback fails too, broken
// is set and every later append is refused.
type logFile struct {
	path   string
	f      appender
	size   int64
	broken error
}

// lockLog takes the single-writer lock for path. The lock is advisory and
// only excludes other tamperlog writers.
func lockLog(path string) (*flock.Flock, error) {
	lock := flock.New(path + lockExt)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock log file: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLogLocked, path)
	}
	return lock, nil
}

// createLogFile writes a new file holding only the preamble. The preamble
// is written to a temporary file, synced and renamed so a crash never
// leaves a primary file with a partial header.
func createLogFile(path string, header []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp log file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp log file: %w", err)
	}
	if _, err := tmp.Write(encodeFilePreamble(header)); err != nil {
		cleanup()
		return fmt.Errorf("write header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync header: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp log file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("install log file: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// openLogFile opens an existing primary file for appending. size must be
// the length validated by ParseLog.
func openLogFile(path string, size int64) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &logFile{path: path, f: f, size: size}, nil
}

// append writes frame and syncs it. On any failure the file is truncated to
// its previous length and the error wraps ErrAppend.
func (l *logFile) append(frame []byte) error {
	if l.broken != nil {
		return fmt.Errorf("%w: log file left inconsistent by an earlier failure: %v", ErrAppend, l.broken)
	}
	n, err := l.f.Write(frame)
	if err == nil && n != len(frame) {
		err = fmt.Errorf("incomplete write: %d of %d bytes", n, len(frame))
	}
	if err == nil {
		if err = l.f.Sync(); err != nil {
			err = fmt.Errorf("sync log file: %w", err)
		}
	}
	if err != nil {
		if terr := l.f.Truncate(l.size); terr != nil {
			l.broken = terr
			return fmt.Errorf("%w: %v (rollback to %d failed: %v)", ErrAppend, err, l.size, terr)
		}
		_ = l.f.Sync()
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	l.size += int64(len(frame))
	return nil
}

func (l *logFile) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
