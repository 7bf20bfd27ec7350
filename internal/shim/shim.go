// Package shim implements the lifecycle shared by the compiler and linker
// shims: locate the real tool, lease tokens from the governor, run the tool
// with memory sampling, report back, and propagate the exit code. The
// governor is advisory throughout; any trouble on that side and the shim
// falls open.
package shim

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/buildgov/governor/internal/govclient"
	"github.com/buildgov/governor/internal/memory"
	"github.com/buildgov/governor/internal/protocol"
)

// sampleInterval paces child memory sampling while the tool runs.
const sampleInterval = 100 * time.Millisecond

// Tool describes the tool a shim fronts: how to find it, how to cost an
// invocation, and how to read its stderr.
type Tool struct {
	// Name labels leases and logs, e.g. "cl" or "link".
	Name string
	// Binary is the real executable to locate, e.g. "cl.exe".
	Binary string
	// RealPathEnv overrides PATH discovery, e.g. "CL_REAL_PATH".
	RealPathEnv string
	// EstimateTokens costs the invocation from its argument vector.
	EstimateTokens func(args []string) int
	// HasDiagnostics reports whether a stderr fragment looks like the
	// tool's own diagnostic output.
	HasDiagnostics func(fragment string) bool
	// IsLTCG reports whether the invocation does link-time code
	// generation; surfaced to the governor for logging.
	IsLTCG func(args []string) bool
}

// Run executes the full shim lifecycle and returns the process exit code to
// propagate. The args slice is the raw argv after the shim's own name.
func Run(tool Tool, args []string) int {
	realPath, err := locate(tool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s-shim: %v\n", tool.Name, err)
		return 1
	}

	tokens := tool.EstimateTokens(args)
	hash := argsHash(args)
	ltcg := tool.IsLTCG != nil && tool.IsLTCG(args)

	client := govclient.Connect(true)
	if client == nil {
		// One yellow line, then run ungoverned. The governor must never
		// block a build.
		fmt.Fprintf(os.Stderr,
			"\x1b[33m%s-shim: governor unreachable; running ungoverned\x1b[0m\n", tool.Name)
	}
	defer client.Close()

	var leaseID string
	if client != nil {
		workingDir, _ := os.Getwd()
		acquire, err := client.Acquire(protocol.AcquireRequest{
			Tool:             tool.Name,
			ArgsHash:         hash,
			RequestedTokens:  tokens,
			TimeoutMS:        govclient.AcquireTimeout.Milliseconds(),
			WorkingDirectory: workingDir,
			SourceFile:       primarySource(args),
			IsLTCG:           ltcg,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr,
				"\x1b[33m%s-shim: acquire failed (%v); running ungoverned\x1b[0m\n", tool.Name, err)
			client.Close()
			client = nil
		} else if acquire.Granted {
			leaseID = acquire.LeaseID
		} else {
			// Denied is advice, not an order; the tool still runs.
			fmt.Fprintf(os.Stderr, "%s-shim: governor denied tokens: %s\n", tool.Name, acquire.Reason)
		}
	}

	result, err := runChild(realPath, args, tool.HasDiagnostics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s-shim: %v\n", tool.Name, err)
		return 1
	}

	if client != nil && leaseID != "" {
		release, err := client.Release(protocol.ReleaseRequest{
			LeaseID:              leaseID,
			PeakWorkingSetBytes:  result.peak.PeakWorkingSet,
			PeakCommitBytes:      result.peak.PeakCommit,
			ExitCode:             result.exitCode,
			DurationMS:           result.duration.Milliseconds(),
			StderrHadDiagnostics: result.hadDiagnostics,
			StderrDigest:         result.digest,
		})
		if err == nil && release.Message != "" &&
			(release.Classification == protocol.ClassLikelyOOM ||
				release.Classification == protocol.ClassLikelyPagingDeath) {
			fmt.Fprint(os.Stderr, release.Message)
		}
	}

	return result.exitCode
}

// childResult collects everything the release report needs.
type childResult struct {
	exitCode       int
	duration       time.Duration
	peak           memory.ProcessMemory
	hadDiagnostics bool
	digest         string
}

// runChild spawns the real tool with argv forwarded verbatim, forwards its
// output, tees stderr through the diagnostic predicate, and samples its
// memory until it exits.
func runChild(realPath string, args []string, predicate func(string) bool) (childResult, error) {
	cmd := exec.Command(realPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout

	tee := newStderrTee(os.Stderr, predicate)
	cmd.Stderr = tee

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return childResult{}, fmt.Errorf("spawn %s: %w", realPath, err)
	}

	tracker := newPeakTracker(memory.NewProbe(), cmd.Process.Pid)
	done := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tracker.sample()
			}
		}
	}()

	// Final sample just before wait; the process table entry is still live.
	tracker.sample()

	waitErr := cmd.Wait()
	close(done)
	<-sampled
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return childResult{}, fmt.Errorf("wait for %s: %w", realPath, waitErr)
		}
	}

	return childResult{
		exitCode:       exitCode,
		duration:       duration,
		peak:           tracker.peakUsage(),
		hadDiagnostics: tee.HadDiagnostics(),
		digest:         tee.Digest(),
	}, nil
}

// argsHash is a stable short hash of the argument vector, for logging and
// request dedup on the governor side.
func argsHash(args []string) string {
	h := sha256.New()
	for _, arg := range args {
		io.WriteString(h, arg)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// primarySource returns the first argument that looks like a source file.
func primarySource(args []string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "/") && !strings.Contains(arg, ".") {
			continue
		}
		lower := strings.ToLower(arg)
		for _, ext := range []string{".cpp", ".cc", ".cxx", ".c"} {
			if strings.HasSuffix(lower, ext) {
				return arg
			}
		}
	}
	return ""
}
