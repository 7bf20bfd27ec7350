// Package classify labels a finished tool invocation from its exit code,
// memory trajectory, and stderr evidence. The scoring weights are empirical
// and therefore configurable; DefaultWeights documents the shipped values.
package classify

import (
	"fmt"
	"strings"
)

// Classification is the outcome label attached to a release.
type Classification string

const (
	Success            Classification = "Success"
	NormalCompileError Classification = "NormalCompileError"
	LikelyOOM          Classification = "LikelyOOM"
	LikelyPagingDeath  Classification = "LikelyPagingDeath"
	Unknown            Classification = "Unknown"
)

// Input aggregates everything known about the invocation at release time.
type Input struct {
	ExitCode               int
	DurationMS             int64
	CommitRatioAtExit      float64
	PeakCommitRatio        float64 // max of acquire-time and exit-time ratios
	PeakProcessCommitGB    float64
	StderrHadDiagnostics   bool
	CommitChargeBytes      uint64
	CommitLimitBytes       uint64
	RecommendedParallelism int
}

// Weights are the evidence increments and band cutoffs. All increments are
// non-negative so the score is monotone in each signal.
type Weights struct {
	HighCommitRatio      float64 `yaml:"highCommitRatio"`     // ratio at exit >= HighCommitCutoff
	ElevatedCommitRatio  float64 `yaml:"elevatedCommitRatio"` // ratio at exit >= ElevatedCommitCutoff
	PeakRatioDuringRun   float64 `yaml:"peakRatioDuringRun"`  // peak ratio >= PeakRatioCutoff
	LargeProcessCommit   float64 `yaml:"largeProcessCommit"`  // process peak >= LargeCommitGB
	SilentStderr         float64 `yaml:"silentStderr"`        // no tool diagnostics
	FastDeathWithCommit  float64 `yaml:"fastDeathWithCommit"` // quick exit while holding FastDeathCommitGB
	HighCommitCutoff     float64 `yaml:"highCommitCutoff"`
	ElevatedCommitCutoff float64 `yaml:"elevatedCommitCutoff"`
	PeakRatioCutoff      float64 `yaml:"peakRatioCutoff"`
	LargeCommitGB        float64 `yaml:"largeCommitGB"`
	FastDeathMS          int64   `yaml:"fastDeathMs"`
	FastDeathCommitGB    float64 `yaml:"fastDeathCommitGb"`
	OOMBand              float64 `yaml:"oomBand"`
	PagingBand           float64 `yaml:"pagingBand"`
}

// DefaultWeights returns the shipped scoring constants.
func DefaultWeights() Weights {
	return Weights{
		HighCommitRatio:      0.40,
		ElevatedCommitRatio:  0.25,
		PeakRatioDuringRun:   0.30,
		LargeProcessCommit:   0.20,
		SilentStderr:         0.20,
		FastDeathWithCommit:  0.15,
		HighCommitCutoff:     0.92,
		ElevatedCommitCutoff: 0.88,
		PeakRatioCutoff:      0.95,
		LargeCommitGB:        2.5,
		FastDeathMS:          5000,
		FastDeathCommitGB:    1.5,
		OOMBand:              0.60,
		PagingBand:           0.40,
	}
}

// Result is the classifier verdict plus advisory retry guidance.
type Result struct {
	Classification Classification
	OOMEvidence    float64
	Message        string
	ShouldRetry    bool
	Reasons        []string
}

// Classify scores the invocation. Pure: same input, same result.
func Classify(in Input, w Weights) Result {
	if in.ExitCode == 0 {
		return Result{Classification: Success}
	}

	var evidence float64
	var reasons []string

	switch {
	case in.CommitRatioAtExit >= w.HighCommitCutoff:
		evidence += w.HighCommitRatio
		reasons = append(reasons, fmt.Sprintf(
			"commit ratio %.2f at exit (>= %.2f)", in.CommitRatioAtExit, w.HighCommitCutoff))
	case in.CommitRatioAtExit >= w.ElevatedCommitCutoff:
		evidence += w.ElevatedCommitRatio
		reasons = append(reasons, fmt.Sprintf(
			"commit ratio %.2f at exit (>= %.2f)", in.CommitRatioAtExit, w.ElevatedCommitCutoff))
	}
	if in.PeakCommitRatio >= w.PeakRatioCutoff {
		evidence += w.PeakRatioDuringRun
		reasons = append(reasons, fmt.Sprintf(
			"peak commit ratio %.2f during execution", in.PeakCommitRatio))
	}
	if in.PeakProcessCommitGB >= w.LargeCommitGB {
		evidence += w.LargeProcessCommit
		reasons = append(reasons, fmt.Sprintf(
			"process committed %.1f GB at peak", in.PeakProcessCommitGB))
	}
	if !in.StderrHadDiagnostics {
		evidence += w.SilentStderr
		reasons = append(reasons, "tool died without emitting its own diagnostics")
	}
	if in.DurationMS < w.FastDeathMS && in.PeakProcessCommitGB >= w.FastDeathCommitGB {
		evidence += w.FastDeathWithCommit
		reasons = append(reasons, fmt.Sprintf(
			"exited after %d ms while holding %.1f GB", in.DurationMS, in.PeakProcessCommitGB))
	}

	switch {
	case evidence >= w.OOMBand:
		return Result{
			Classification: LikelyOOM,
			OOMEvidence:    evidence,
			Message:        formatDiagnostic(LikelyOOM, in, reasons),
			ShouldRetry:    true,
			Reasons:        reasons,
		}
	case evidence >= w.PagingBand:
		return Result{
			Classification: LikelyPagingDeath,
			OOMEvidence:    evidence,
			Message:        formatDiagnostic(LikelyPagingDeath, in, reasons),
			ShouldRetry:    true,
			Reasons:        reasons,
		}
	case in.StderrHadDiagnostics:
		return Result{Classification: NormalCompileError, OOMEvidence: evidence, Reasons: reasons}
	default:
		return Result{
			Classification: Unknown,
			OOMEvidence:    evidence,
			Message: fmt.Sprintf(
				"tool exited with code %d; unable to determine cause", in.ExitCode),
			Reasons: reasons,
		}
	}
}

// formatDiagnostic renders the human-facing report printed by the shim when
// a run looks memory-killed. The content is load-bearing for tests: exit
// code, commit numbers, peak, reasons, and per-driver parallelism advice.
func formatDiagnostic(label Classification, in Input, reasons []string) string {
	var b strings.Builder

	headline := "likely ran out of committed memory"
	if label == LikelyPagingDeath {
		headline = "likely died paging under memory pressure"
	}
	fmt.Fprintf(&b, "build tool %s (exit code %d)\n", headline, in.ExitCode)
	fmt.Fprintf(&b, "  system commit: %.1f / %.1f GB (ratio %.2f)\n",
		float64(in.CommitChargeBytes)/float64(1<<30),
		float64(in.CommitLimitBytes)/float64(1<<30),
		in.CommitRatioAtExit)
	fmt.Fprintf(&b, "  process peak commit: %.1f GB\n", in.PeakProcessCommitGB)
	b.WriteString("  evidence:\n")
	for _, reason := range reasons {
		fmt.Fprintf(&b, "    - %s\n", reason)
	}

	n := in.RecommendedParallelism
	if n < 1 {
		n = 1
	}
	fmt.Fprintf(&b, "  reduce build parallelism to %d:\n", n)
	fmt.Fprintf(&b, "    cmake:   CMAKE_BUILD_PARALLEL_LEVEL=%d\n", n)
	fmt.Fprintf(&b, "    msbuild: /m:%d\n", n)
	fmt.Fprintf(&b, "    ninja:   -j %d\n", n)
	return b.String()
}
