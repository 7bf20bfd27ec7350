package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitRatioClamped(t *testing.T) {
	snap := Snapshot{CommitCharge: 48 << 30, CommitLimit: 32 << 30}
	assert.Equal(t, 1.0, snap.CommitRatio())

	snap = Snapshot{CommitCharge: 16 << 30, CommitLimit: 32 << 30}
	assert.InDelta(t, 0.5, snap.CommitRatio(), 1e-9)
}

func TestCommitRatioZeroLimitIsWorstCase(t *testing.T) {
	assert.Equal(t, 1.0, Snapshot{}.CommitRatio())
}

func TestAvailableCommit(t *testing.T) {
	snap := Snapshot{CommitCharge: 20 << 30, CommitLimit: 32 << 30}
	assert.Equal(t, uint64(12<<30), snap.AvailableCommit())

	over := Snapshot{CommitCharge: 40 << 30, CommitLimit: 32 << 30}
	assert.Equal(t, uint64(0), over.AvailableCommit())
}

func TestWorstCaseReadsAsFullPressure(t *testing.T) {
	snap := WorstCase()
	assert.Equal(t, 1.0, snap.CommitRatio())
	assert.Equal(t, 100, snap.MemoryLoadPercent)
}
