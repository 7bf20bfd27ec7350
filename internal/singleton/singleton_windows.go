//go:build windows

package singleton

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

type platformHandle = windows.Handle

func tryAcquire(name string) (*Mutex, bool, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, false, fmt.Errorf("mutex name %q: %w", name, err)
	}
	handle, err := windows.CreateMutex(nil, true, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			// Another process owns it; drop our reference.
			if handle != 0 {
				windows.CloseHandle(handle)
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("create mutex %q: %w", name, err)
	}
	return &Mutex{handle: handle, name: name}, true, nil
}

func acquireWait(name string, timeout time.Duration) (*Mutex, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("mutex name %q: %w", name, err)
	}
	handle, err := windows.CreateMutex(nil, false, namePtr)
	if err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return nil, fmt.Errorf("create mutex %q: %w", name, err)
	}

	status, err := windows.WaitForSingleObject(handle, uint32(timeout.Milliseconds()))
	switch status {
	case windows.WAIT_OBJECT_0, windows.WAIT_ABANDONED:
		return &Mutex{handle: handle, name: name}, nil
	case uint32(windows.WAIT_TIMEOUT):
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("timed out waiting for mutex %q", name)
	default:
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("wait for mutex %q: %w", name, err)
	}
}

func (m *Mutex) release() error {
	if m.handle == 0 {
		return nil
	}
	releaseErr := windows.ReleaseMutex(m.handle)
	closeErr := windows.CloseHandle(m.handle)
	m.handle = 0
	if releaseErr != nil {
		return fmt.Errorf("release mutex %q: %w", m.name, releaseErr)
	}
	return closeErr
}
