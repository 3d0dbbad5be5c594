// Package platform exposes the minimal host interface the DataBlock engine
// depends on: named shared-memory segment create/attach/close/unlink, a
// monotonic clock, and process/thread identity and liveness queries.
//
// Grounded on feeder/shm/matrix.go's NewMatrix (open-truncate-mmap a file
// under /dev/shm) and other_examples' Giulio2002-gdbx lock.go (processExists
// via signal 0), but built on golang.org/x/sys/unix instead of the standard
// library syscall package.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// shmDir is the directory shared-memory segments are created under. Linux
// tmpfs-backed /dev/shm; overridable for tests.
var shmDir = "/dev/shm"

// SetSegmentDir overrides the directory segments are created under. Used by
// tests to avoid touching the real /dev/shm.
func SetSegmentDir(dir string) { shmDir = dir }

// SegmentPath returns the filesystem path a named segment would live at.
func SegmentPath(name string) string {
	return filepath.Join(shmDir, name)
}

// Segment is a mapped shared-memory region plus the open file description
// backing it. The zero value is not usable; construct via Create or Attach.
type Segment struct {
	name string
	file *os.File
	data []byte
}

// Name returns the segment's name.
func (s *Segment) Name() string { return s.name }

// Data returns the mapped bytes. The slice is valid until Close.
func (s *Segment) Data() []byte { return s.data }

// Create creates a new named segment of the given size, or overwrites a
// stale one when force is true. It fails if a segment of that name already
// exists and force is false.
func Create(name string, size int, force bool) (*Segment, error) {
	path := SegmentPath(name)

	flags := os.O_RDWR | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("platform: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: truncate %s: %w", path, err)
	}

	data, err := mmap(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{name: name, file: f, data: data}, nil
}

// Attach opens an existing segment read/write. It fails if the segment does
// not exist.
func Attach(name string) (*Segment, error) {
	path := SegmentPath(name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("platform: attach %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: stat %s: %w", path, err)
	}

	data, err := mmap(f, int(fi.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{name: name, file: f, data: data}, nil
}

func mmap(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap: %w", err)
	}
	return data, nil
}

// Close unmaps and closes the segment. It does not unlink the name.
func (s *Segment) Close() error {
	var firstErr error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			firstErr = fmt.Errorf("platform: munmap: %w", err)
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("platform: close: %w", err)
		}
	}
	return firstErr
}

// Unlink removes a segment's name. Only the creator may call this; the
// engine does not enforce that at this layer (it is enforced by
// Segment ownership at the producer/consumer layer).
func Unlink(name string) error {
	if err := os.Remove(SegmentPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: unlink %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a segment of the given name is currently present.
func Exists(name string) bool {
	_, err := os.Stat(SegmentPath(name))
	return err == nil
}

// processStart anchors the monotonic counter. time.Now() carries a
// monotonic reading alongside its wall-clock value; Sub between two such
// readings uses the monotonic component exclusively and is immune to
// wall-clock adjustments (NTP steps, DST, manual clock changes).
var processStart = time.Now()

// MonotonicNowNS returns nanoseconds elapsed on the monotonic clock since an
// arbitrary but fixed epoch (process start). Never goes backwards.
func MonotonicNowNS() int64 {
	return time.Since(processStart).Nanoseconds()
}

// CurrentPID returns the current process ID.
func CurrentPID() int32 {
	return int32(unix.Getpid())
}

// CurrentTID returns an identifier for the calling OS thread. Because the Go
// runtime may migrate a goroutine between OS threads between calls, this
// value is only meaningful for the duration of a single syscall-adjacent
// critical section (matching how the engine uses it: the segment mutex is
// locked and unlocked inside ringproto's AcquireWrite while the goroutine is
// pinned via runtime.LockOSThread; a slot's recorded writer TID is
// informational only).
func CurrentTID() int64 {
	return int64(unix.Gettid())
}

// IsProcessAlive reports whether a process with the given pid exists and is
// not reaped. It is TOCTOU-tolerant: a "no such process" answer can become
// stale the instant after the call returns, so callers must treat this as
// advisory within a bounded recovery window, never as a hard guarantee.
//
// Cross-uid signals we lack permission for are conservatively treated as
// "alive", to avoid falsely reclaiming a live peer we simply can't signal.
func IsProcessAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	switch err {
	case nil:
		return true
	case unix.EPERM:
		return true
	default:
		return false
	}
}
