//go:build linux

package memory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Linux maps the commit accounting the governor expects onto /proc/meminfo:
// Committed_AS is the commit charge, CommitLimit the commit limit. Per
// process, VmHWM stands in for peak working set and VmPeak for peak commit.

func (p *Probe) sample() (Snapshot, error) {
	n, err := p.readFile("/proc/meminfo")
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read /proc/meminfo: %v", ErrUnavailable, err)
	}
	data := p.buf[:n]

	memTotal := meminfoValue(data, "MemTotal:")
	memAvailable := meminfoValue(data, "MemAvailable:")
	commitLimit := meminfoValue(data, "CommitLimit:")
	committed := meminfoValue(data, "Committed_AS:")
	if memTotal == 0 || commitLimit == 0 {
		return Snapshot{}, fmt.Errorf("%w: /proc/meminfo missing fields", ErrUnavailable)
	}

	load := 0
	if memTotal > 0 {
		load = int(100 - (memAvailable*100)/memTotal)
	}
	return Snapshot{
		TotalPhysical:     memTotal,
		AvailablePhysical: memAvailable,
		CommitCharge:      committed,
		CommitLimit:       commitLimit,
		MemoryLoadPercent: load,
	}, nil
}

func (p *Probe) sampleProcess(pid int) (ProcessMemory, bool) {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	n, err := p.readFile(path)
	if err != nil {
		return ProcessMemory{}, false
	}
	data := p.buf[:n]
	return ProcessMemory{
		PeakWorkingSet: meminfoValue(data, "VmHWM:"),
		PeakCommit:     meminfoValue(data, "VmPeak:"),
	}, true
}

// readFile reads path into the probe's reusable buffer and returns the byte
// count. The buffer doubles whenever a read fills it completely.
func (p *Probe) readFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	total := 0
	for {
		if total == len(p.buf) {
			grown := make([]byte, len(p.buf)*2)
			copy(grown, p.buf)
			p.buf = grown
		}
		n, err := f.Read(p.buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

// meminfoValue extracts the kB value following the given field label and
// returns it in bytes, or zero if absent.
func meminfoValue(data []byte, field string) uint64 {
	idx := bytes.Index(data, []byte(field))
	if idx < 0 {
		return 0
	}
	rest := data[idx+len(field):]
	end := bytes.IndexByte(rest, '\n')
	if end >= 0 {
		rest = rest[:end]
	}
	rest = bytes.TrimSpace(bytes.TrimSuffix(bytes.TrimSpace(rest), []byte("kB")))
	value, err := strconv.ParseUint(string(rest), 10, 64)
	if err != nil {
		return 0
	}
	return value * 1024
}
