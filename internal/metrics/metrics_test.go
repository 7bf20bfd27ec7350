package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/buildgov/governor/internal/budget"
	"github.com/buildgov/governor/internal/classify"
)

func TestCollectorTracksPoolEvents(t *testing.T) {
	c := NewCollector()

	c.BudgetUpdated(20, 16, 2, 0.74, budget.Normal)
	assert.Equal(t, 20.0, testutil.ToFloat64(c.totalTokens))
	assert.Equal(t, 16.0, testutil.ToFloat64(c.availableTokens))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeLeases))
	assert.InDelta(t, 0.74, testutil.ToFloat64(c.commitRatio), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.throttleLevel.WithLabelValues("Normal")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.throttleLevel.WithLabelValues("HardStop")))

	c.LeaseGranted(4)
	c.LeaseGranted(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.grants))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.grantedTokens))

	c.LeaseDenied("hard_stop")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.denials.WithLabelValues("hard_stop")))

	c.LeaseExpired()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.expirations))

	c.Classified(classify.LikelyOOM)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(c.classifications.WithLabelValues("LikelyOOM")))
}

func TestThrottleBandIsOneHot(t *testing.T) {
	c := NewCollector()
	c.BudgetUpdated(4, 0, 4, 0.95, budget.HardStop)

	total := 0.0
	for _, level := range []budget.ThrottleLevel{
		budget.Normal, budget.Caution, budget.SoftStop, budget.HardStop,
	} {
		total += testutil.ToFloat64(c.throttleLevel.WithLabelValues(string(level)))
	}
	assert.Equal(t, 1.0, total)
}
