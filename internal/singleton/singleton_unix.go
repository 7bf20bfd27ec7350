//go:build !windows

package singleton

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// On unix hosts the named mutexes are flock'd files under the temp dir. The
// lock dies with the process, matching Windows mutex abandonment.

type platformHandle = *os.File

func lockPath(name string) string {
	return filepath.Join(os.TempDir(), name+".lock")
}

func openLockFile(name string) (*os.File, error) {
	f, err := os.OpenFile(lockPath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file for %q: %w", name, err)
	}
	return f, nil
}

func tryAcquire(name string) (*Mutex, bool, error) {
	f, err := openLockFile(name)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %q: %w", name, err)
	}
	return &Mutex{handle: f, name: name}, true, nil
}

func acquireWait(name string, timeout time.Duration) (*Mutex, error) {
	deadline := time.Now().Add(timeout)
	for {
		m, held, err := tryAcquire(name)
		if err != nil {
			return nil, err
		}
		if held {
			return m, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for mutex %q", name)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (m *Mutex) release() error {
	if m.handle == nil {
		return nil
	}
	flockErr := unix.Flock(int(m.handle.Fd()), unix.LOCK_UN)
	closeErr := m.handle.Close()
	m.handle = nil
	if flockErr != nil {
		return fmt.Errorf("unlock %q: %w", m.name, flockErr)
	}
	return closeErr
}
