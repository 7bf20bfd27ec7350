// Package pool serializes admission: it owns the token count and the lease
// table, enforces throttle policy, and reclaims expired leases. All mutation
// goes through the pool lock; the lock is never held across a sleep or I/O.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/buildgov/governor/internal/budget"
	"github.com/buildgov/governor/internal/classify"
	"github.com/buildgov/governor/internal/logging"
	"github.com/buildgov/governor/internal/memory"
)

const (
	// DefaultLeaseTTL bounds how long a crashed shim can hold tokens.
	DefaultLeaseTTL = 30 * time.Minute
	// DefaultWarnAfter is when a still-held lease gets its one warning log.
	DefaultWarnAfter = 10 * time.Minute
	// DefaultSweepInterval paces the maintenance task.
	DefaultSweepInterval = 500 * time.Millisecond
)

// Sampler provides memory snapshots. *memory.Probe satisfies it; tests
// substitute stubs.
type Sampler interface {
	Sample() (memory.Snapshot, error)
}

// Observer receives pool events for metrics export. All methods are called
// with the pool lock held and must not block.
type Observer interface {
	BudgetUpdated(total, available, activeLeases int, ratio float64, level budget.ThrottleLevel)
	LeaseGranted(tokens int)
	LeaseDenied(reason string)
	LeaseExpired()
	Classified(label classify.Classification)
}

// Options configures a Pool. Zero durations take the package defaults.
type Options struct {
	Budget        budget.Config
	Weights       classify.Weights
	LeaseTTL      time.Duration
	WarnAfter     time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Observer      Observer
	Now           func() time.Time
}

type lease struct {
	id                   string
	tool                 string
	tokens               int
	acquiredAt           time.Time
	expiresAt            time.Time
	commitRatioAtAcquire float64
	warningLogged        bool
}

// Pool is the token pool and lease manager.
type Pool struct {
	sampler  Sampler
	cfg      budget.Config
	weights  classify.Weights
	ttl      time.Duration
	warn     time.Duration
	sweep    time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu           sync.Mutex
	snap         memory.Snapshot
	bud          budget.Budget
	inUse        int
	leases       map[string]*lease
	expiredCount int64
	probeDown    bool
}

// New constructs a pool. The budget config must already be validated.
func New(sampler Sampler, opts Options) *Pool {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = DefaultWarnAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Weights == (classify.Weights{}) {
		opts.Weights = classify.DefaultWeights()
	}
	p := &Pool{
		sampler:  sampler,
		cfg:      opts.Budget.Normalize(),
		weights:  opts.Weights,
		ttl:      opts.LeaseTTL,
		warn:     opts.WarnAfter,
		sweep:    opts.SweepInterval,
		logger:   logging.Ensure(opts.Logger).With("component", "pool"),
		observer: opts.Observer,
		now:      opts.Now,
		leases:   make(map[string]*lease),
	}
	p.lock()
	p.refreshLocked()
	p.unlock()
	return p
}

func (p *Pool) lock()   { p.mu.Lock() }
func (p *Pool) unlock() { p.mu.Unlock() }

// refreshLocked samples memory, recomputes the budget, and reconciles the
// available count. Outstanding leases keep their grant; a shrinking budget
// reduces admission, never revokes.
func (p *Pool) refreshLocked() {
	snap, err := p.sampler.Sample()
	if err != nil {
		if !p.probeDown {
			p.logger.Warn("memory probe unavailable; assuming worst case", "error", err)
			p.probeDown = true
		}
		snap = memory.WorstCase()
	} else if p.probeDown {
		p.logger.Info("memory probe recovered")
		p.probeDown = false
	}
	p.snap = snap
	p.bud = budget.Compute(snap, p.cfg)

	if p.inUse > p.bud.TotalTokens {
		// Pressure spiked under outstanding leases. New admissions are
		// starved until releases catch up; operators see it here.
		p.logger.Warn("token budget below outstanding grants",
			"total_tokens", p.bud.TotalTokens,
			"tokens_in_use", p.inUse,
			"commit_ratio", p.bud.CommitRatio)
	}
	if p.observer != nil {
		p.observer.BudgetUpdated(
			p.bud.TotalTokens, p.availableLocked(), len(p.leases),
			p.bud.CommitRatio, p.bud.Throttle)
	}
}

func (p *Pool) availableLocked() int {
	available := p.bud.TotalTokens - p.inUse
	if available < 0 {
		return 0
	}
	return available
}

// AcquireOutcome is the result of TryAcquire.
type AcquireOutcome struct {
	Granted                bool
	LeaseID                string
	GrantedTokens          int
	RecommendedParallelism int
	Reason                 string
	CommitRatio            float64
}

// TryAcquire grants up to requested tokens, polling with throttle-dependent
// back-off until timeout. A zero-token request is granted immediately unless
// the pool is hard-stopped. Returns within timeout plus one sweep interval.
func (p *Pool) TryAcquire(ctx context.Context, tool string, requested int, timeout time.Duration) AcquireOutcome {
	if requested < 0 {
		requested = 0
	}
	deadline := p.now().Add(timeout)

	for {
		p.lock()
		p.refreshLocked()

		if p.bud.Throttle == budget.HardStop {
			outcome := AcquireOutcome{
				Reason: fmt.Sprintf(
					"hard stop: commit ratio %.2f >= %.2f; reduce parallelism to %d",
					p.bud.CommitRatio, p.cfg.HardStopRatio, p.bud.RecommendedParallelism),
				RecommendedParallelism: p.bud.RecommendedParallelism,
				CommitRatio:            p.bud.CommitRatio,
			}
			if p.observer != nil {
				p.observer.LeaseDenied("hard_stop")
			}
			p.unlock()
			return outcome
		}

		available := p.availableLocked()
		granted := requested
		if granted > available {
			granted = available
		}
		if granted > 0 || requested == 0 {
			l := p.insertLeaseLocked(tool, granted)
			outcome := AcquireOutcome{
				Granted:                true,
				LeaseID:                l.id,
				GrantedTokens:          granted,
				RecommendedParallelism: p.bud.RecommendedParallelism,
				CommitRatio:            p.bud.CommitRatio,
			}
			if p.observer != nil {
				p.observer.LeaseGranted(granted)
			}
			p.logger.Debug("lease granted",
				"lease_id", l.id, "tool", tool,
				"tokens", granted, "available", p.availableLocked())
			p.unlock()
			return outcome
		}

		delay := retryDelay(p.bud.Throttle)
		if p.now().Add(delay).After(deadline) {
			if p.observer != nil {
				p.observer.LeaseDenied("timeout")
			}
			p.unlock()
			return AcquireOutcome{
				Reason:                 "timeout waiting for tokens",
				RecommendedParallelism: 1,
			}
		}
		p.unlock()

		select {
		case <-ctx.Done():
			return AcquireOutcome{Reason: "acquire cancelled"}
		case <-time.After(delay):
		}
	}
}

// retryDelay is the spin interval while waiting for tokens; heavier pressure
// polls slower.
func retryDelay(level budget.ThrottleLevel) time.Duration {
	switch level {
	case budget.SoftStop:
		return 500 * time.Millisecond
	case budget.Caution:
		return 200 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

func (p *Pool) insertLeaseLocked(tool string, tokens int) *lease {
	id := newLeaseID()
	for {
		if _, taken := p.leases[id]; !taken {
			break
		}
		id = newLeaseID()
	}
	acquired := p.now()
	l := &lease{
		id:                   id,
		tool:                 tool,
		tokens:               tokens,
		acquiredAt:           acquired,
		expiresAt:            acquired.Add(p.ttl),
		commitRatioAtAcquire: p.bud.CommitRatio,
	}
	p.leases[id] = l
	p.inUse += tokens
	return l
}

// newLeaseID returns 12 hex characters from the system entropy source.
func newLeaseID() string {
	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("lease id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(raw[:])
}

// ReleaseReport carries the shim's observations into Release.
type ReleaseReport struct {
	LeaseID              string
	PeakWorkingSetBytes  uint64
	PeakCommitBytes      uint64
	ExitCode             int
	DurationMS           int64
	StderrHadDiagnostics bool
}

// ReleaseOutcome is the result of Release.
type ReleaseOutcome struct {
	Acknowledged    bool
	Classification  classify.Classification
	Message         string
	ShouldRetry     bool
	RetryWithTokens int
}

// Release closes a lease, returns its tokens, and classifies the run. An
// unknown lease id is acknowledged false with no side effect.
func (p *Pool) Release(report ReleaseReport) ReleaseOutcome {
	p.lock()
	defer p.unlock()

	l, ok := p.leases[report.LeaseID]
	if !ok {
		p.logger.Debug("release for unknown lease", "lease_id", report.LeaseID)
		return ReleaseOutcome{}
	}
	delete(p.leases, report.LeaseID)
	p.inUse -= l.tokens
	p.refreshLocked()

	peakRatio := p.bud.CommitRatio
	if l.commitRatioAtAcquire > peakRatio {
		peakRatio = l.commitRatioAtAcquire
	}
	result := classify.Classify(classify.Input{
		ExitCode:               report.ExitCode,
		DurationMS:             report.DurationMS,
		CommitRatioAtExit:      p.bud.CommitRatio,
		PeakCommitRatio:        peakRatio,
		PeakProcessCommitGB:    float64(report.PeakCommitBytes) / float64(1<<30),
		StderrHadDiagnostics:   report.StderrHadDiagnostics,
		CommitChargeBytes:      p.snap.CommitCharge,
		CommitLimitBytes:       p.snap.CommitLimit,
		RecommendedParallelism: p.bud.RecommendedParallelism,
	}, p.weights)
	if p.observer != nil {
		p.observer.Classified(result.Classification)
	}

	outcome := ReleaseOutcome{
		Acknowledged:   true,
		Classification: result.Classification,
		Message:        result.Message,
		ShouldRetry:    result.ShouldRetry,
	}
	if result.ShouldRetry {
		outcome.RetryWithTokens = l.tokens / 2
		if outcome.RetryWithTokens < 1 {
			outcome.RetryWithTokens = 1
		}
	}
	p.logger.Debug("lease released",
		"lease_id", l.id, "tool", l.tool, "tokens", l.tokens,
		"exit_code", report.ExitCode, "classification", string(result.Classification))
	return outcome
}

// Heartbeat reports whether the lease is still held. It does not extend the
// TTL; expiry is absolute.
func (p *Pool) Heartbeat(leaseID string) bool {
	p.lock()
	defer p.unlock()
	_, ok := p.leases[leaseID]
	return ok
}

// LeaseSummary describes one active lease for status reporting.
type LeaseSummary struct {
	LeaseID          string
	Tool             string
	Tokens           int
	DurationSeconds  float64
	ExpiresInSeconds float64
}

// Status is a consistent snapshot of the pool.
type Status struct {
	TotalTokens            int
	AvailableTokens        int
	ActiveLeases           int
	ExpiredLeases          int64
	Snapshot               memory.Snapshot
	CommitRatio            float64
	Throttle               budget.ThrottleLevel
	RecommendedParallelism int
	RecentLeases           []LeaseSummary
}

// StatusNow refreshes the budget and returns the current pool state,
// including up to the ten most recently acquired leases.
func (p *Pool) StatusNow() Status {
	p.lock()
	defer p.unlock()
	p.refreshLocked()

	now := p.now()
	active := make([]*lease, 0, len(p.leases))
	for _, l := range p.leases {
		active = append(active, l)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].acquiredAt.After(active[j].acquiredAt)
	})
	if len(active) > 10 {
		active = active[:10]
	}
	recent := make([]LeaseSummary, 0, len(active))
	for _, l := range active {
		recent = append(recent, LeaseSummary{
			LeaseID:          l.id,
			Tool:             l.tool,
			Tokens:           l.tokens,
			DurationSeconds:  now.Sub(l.acquiredAt).Seconds(),
			ExpiresInSeconds: l.expiresAt.Sub(now).Seconds(),
		})
	}

	return Status{
		TotalTokens:            p.bud.TotalTokens,
		AvailableTokens:        p.availableLocked(),
		ActiveLeases:           len(p.leases),
		ExpiredLeases:          p.expiredCount,
		Snapshot:               p.snap,
		CommitRatio:            p.bud.CommitRatio,
		Throttle:               p.bud.Throttle,
		RecommendedParallelism: p.bud.RecommendedParallelism,
		RecentLeases:           recent,
	}
}

// ActiveLeases returns the number of open leases without refreshing.
func (p *Pool) ActiveLeases() int {
	p.lock()
	defer p.unlock()
	return len(p.leases)
}

// Run drives the maintenance task: refresh the budget and sweep leases every
// sweep interval until the context ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep performs one maintenance pass: budget refresh, long-runner warnings,
// and TTL reclamation. Exposed so tests can drive it with a fake clock.
func (p *Pool) Sweep() {
	p.lock()
	defer p.unlock()
	p.refreshLocked()

	now := p.now()
	for id, l := range p.leases {
		if !l.warningLogged && now.Sub(l.acquiredAt) >= p.warn {
			p.logger.Warn("lease running long",
				"lease_id", l.id, "tool", l.tool,
				"elapsed", now.Sub(l.acquiredAt).Round(time.Second).String())
			l.warningLogged = true
		}
		if !now.Before(l.expiresAt) {
			delete(p.leases, id)
			p.inUse -= l.tokens
			p.expiredCount++
			if p.observer != nil {
				p.observer.LeaseExpired()
			}
			p.logger.Warn("lease expired; tokens reclaimed",
				"lease_id", l.id, "tool", l.tool, "tokens", l.tokens,
				"held", now.Sub(l.acquiredAt).Round(time.Second).String())
		}
	}
}
