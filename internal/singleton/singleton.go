// Package singleton implements the two named system-wide mutexes that keep
// the governor unique per host: the instance mutex held for the life of the
// process, and the launcher mutex held briefly while a shim elects itself to
// auto-start the governor.
package singleton

import "time"

// Well-known mutex names.
const (
	InstanceMutexName = "BuildGovernorInstance"
	LauncherMutexName = "BuildGovernorMutex"
)

// Mutex is a held named system-wide mutex.
type Mutex struct {
	handle platformHandle
	name   string
}

// TryAcquire attempts to take the named mutex without waiting. The second
// return reports whether the mutex was obtained; false means another process
// holds it.
func TryAcquire(name string) (*Mutex, bool, error) {
	return tryAcquire(name)
}

// AcquireWait takes the named mutex, waiting up to timeout for the current
// holder to release it.
func AcquireWait(name string, timeout time.Duration) (*Mutex, error) {
	return acquireWait(name, timeout)
}

// Release gives the mutex up. Safe to call once; the mutex is also released
// by the OS when the process exits.
func (m *Mutex) Release() error {
	if m == nil {
		return nil
	}
	return m.release()
}

// Name returns the mutex name, for logs.
func (m *Mutex) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}
