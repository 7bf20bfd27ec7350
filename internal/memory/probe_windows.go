//go:build windows

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func (p *Probe) sample() (Snapshot, error) {
	var status windows.MemoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	if err := windows.GlobalMemoryStatusEx(&status); err != nil {
		return Snapshot{}, fmt.Errorf("%w: GlobalMemoryStatusEx: %v", ErrUnavailable, err)
	}
	return Snapshot{
		TotalPhysical:     status.TotalPhys,
		AvailablePhysical: status.AvailPhys,
		CommitCharge:      status.TotalPageFile - status.AvailPageFile,
		CommitLimit:       status.TotalPageFile,
		MemoryLoadPercent: int(status.MemoryLoad),
	}, nil
}

func (p *Probe) sampleProcess(pid int) (ProcessMemory, bool) {
	handle, err := windows.OpenProcess(
		windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return ProcessMemory{}, false
	}
	defer windows.CloseHandle(handle)

	var counters windows.PROCESS_MEMORY_COUNTERS
	if err := windows.GetProcessMemoryInfo(
		handle, &counters, uint32(unsafe.Sizeof(counters))); err != nil {
		return ProcessMemory{}, false
	}
	return ProcessMemory{
		PeakWorkingSet: uint64(counters.PeakWorkingSetSize),
		PeakCommit:     uint64(counters.PeakPagefileUsage),
	}, true
}
