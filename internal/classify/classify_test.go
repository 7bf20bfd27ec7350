package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroExitIsSuccess(t *testing.T) {
	got := Classify(Input{ExitCode: 0, CommitRatioAtExit: 0.99}, DefaultWeights())
	assert.Equal(t, Success, got.Classification)
	assert.False(t, got.ShouldRetry)
	assert.Empty(t, got.Message)
}

func TestLikelyOOM(t *testing.T) {
	// Seed scenario: ratio 0.93 at exit, 3.1 GB peak, silent stderr, 4.2 s.
	gb := float64(1 << 30)
	in := Input{
		ExitCode:               1,
		DurationMS:             4200,
		CommitRatioAtExit:      0.93,
		PeakCommitRatio:        0.93,
		PeakProcessCommitGB:    3.1,
		StderrHadDiagnostics:   false,
		CommitChargeBytes:      uint64(44.6 * gb),
		CommitLimitBytes:       48 << 30,
		RecommendedParallelism: 2,
	}
	got := Classify(in, DefaultWeights())
	require.Equal(t, LikelyOOM, got.Classification)
	assert.True(t, got.ShouldRetry)
	assert.Contains(t, got.Message, "0.93")
	assert.Contains(t, got.Message, "3.1 GB")
	assert.Contains(t, got.Message, "exit code 1")
	assert.Contains(t, got.Message, "CMAKE_BUILD_PARALLEL_LEVEL=2")
	assert.Contains(t, got.Message, "/m:2")
	assert.Contains(t, got.Message, "-j 2")
}

func TestNormalCompileError(t *testing.T) {
	in := Input{
		ExitCode:             2,
		DurationMS:           3000,
		CommitRatioAtExit:    0.55,
		PeakCommitRatio:      0.55,
		StderrHadDiagnostics: true,
	}
	got := Classify(in, DefaultWeights())
	assert.Equal(t, NormalCompileError, got.Classification)
	assert.False(t, got.ShouldRetry)
	assert.Empty(t, got.Message)
}

func TestPagingDeathBand(t *testing.T) {
	// Elevated (not high) commit ratio plus silent stderr: 0.25 + 0.20.
	in := Input{
		ExitCode:             3,
		DurationMS:           60000,
		CommitRatioAtExit:    0.89,
		PeakCommitRatio:      0.89,
		StderrHadDiagnostics: false,
	}
	got := Classify(in, DefaultWeights())
	assert.Equal(t, LikelyPagingDeath, got.Classification)
	assert.True(t, got.ShouldRetry)
	assert.NotEmpty(t, got.Message)
}

func TestUnknownWhenSilentAndUnremarkable(t *testing.T) {
	in := Input{
		ExitCode:             1,
		DurationMS:           30000,
		CommitRatioAtExit:    0.40,
		PeakCommitRatio:      0.40,
		StderrHadDiagnostics: false,
	}
	got := Classify(in, DefaultWeights())
	assert.Equal(t, Unknown, got.Classification)
	assert.Contains(t, got.Message, "unable to determine cause")
	assert.False(t, got.ShouldRetry)
}

func TestEvidenceMonotoneInCommitRatio(t *testing.T) {
	base := Input{
		ExitCode:             1,
		DurationMS:           20000,
		StderrHadDiagnostics: true,
	}
	weights := DefaultWeights()
	previous := -1.0
	for _, ratio := range []float64{0.10, 0.50, 0.88, 0.90, 0.92, 0.99} {
		in := base
		in.CommitRatioAtExit = ratio
		in.PeakCommitRatio = ratio
		got := Classify(in, weights)
		require.GreaterOrEqual(t, got.OOMEvidence, previous,
			"evidence decreased at ratio %.2f", ratio)
		previous = got.OOMEvidence
	}
}

func TestEvidenceMonotoneInStderrSilence(t *testing.T) {
	in := Input{
		ExitCode:          1,
		DurationMS:        20000,
		CommitRatioAtExit: 0.90,
		PeakCommitRatio:   0.90,
	}
	weights := DefaultWeights()

	in.StderrHadDiagnostics = true
	loud := Classify(in, weights)
	in.StderrHadDiagnostics = false
	silent := Classify(in, weights)

	assert.GreaterOrEqual(t, silent.OOMEvidence, loud.OOMEvidence)
}

func TestFastDeathEvidence(t *testing.T) {
	in := Input{
		ExitCode:             1,
		DurationMS:           2000,
		PeakProcessCommitGB:  1.8,
		StderrHadDiagnostics: true,
	}
	got := Classify(in, DefaultWeights())
	found := false
	for _, reason := range got.Reasons {
		if strings.Contains(reason, "2000 ms") {
			found = true
		}
	}
	assert.True(t, found, "expected fast-death reason, got %v", got.Reasons)
}

func TestClassifyIsPure(t *testing.T) {
	in := Input{
		ExitCode:            1,
		DurationMS:          4200,
		CommitRatioAtExit:   0.93,
		PeakCommitRatio:     0.95,
		PeakProcessCommitGB: 3.1,
	}
	weights := DefaultWeights()
	first := Classify(in, weights)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Classify(in, weights))
	}
}
