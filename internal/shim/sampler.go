package shim

import (
	"sync"

	"github.com/buildgov/governor/internal/memory"
)

// peakTracker records the high-water memory marks of one child process. The
// sampling goroutine and the waiter both touch it, hence the lock.
type peakTracker struct {
	probe *memory.Probe
	pid   int

	mu   sync.Mutex
	peak memory.ProcessMemory
}

func newPeakTracker(probe *memory.Probe, pid int) *peakTracker {
	return &peakTracker{probe: probe, pid: pid}
}

func (t *peakTracker) sample() {
	t.mu.Lock()
	defer t.mu.Unlock()
	sample, ok := t.probe.SampleProcess(t.pid)
	if !ok {
		return
	}
	if sample.PeakWorkingSet > t.peak.PeakWorkingSet {
		t.peak.PeakWorkingSet = sample.PeakWorkingSet
	}
	if sample.PeakCommit > t.peak.PeakCommit {
		t.peak.PeakCommit = sample.PeakCommit
	}
}

func (t *peakTracker) peakUsage() memory.ProcessMemory {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}
