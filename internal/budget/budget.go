// Package budget turns a memory snapshot into a token capacity and a
// throttle level. Compute is pure; the pool calls it on every probe tick and
// on every acquire/release.
package budget

import (
	"fmt"
	"math"

	"github.com/buildgov/governor/internal/memory"
)

// ThrottleLevel is the discrete pressure band derived from the commit ratio.
type ThrottleLevel string

const (
	Normal   ThrottleLevel = "Normal"
	Caution  ThrottleLevel = "Caution"
	SoftStop ThrottleLevel = "SoftStop"
	HardStop ThrottleLevel = "HardStop"
)

// Config holds the budget knobs. Zero values are replaced by defaults in
// Normalize; Validate rejects non-monotone thresholds.
type Config struct {
	GBPerToken      float64 `yaml:"gbPerToken"`
	SafetyReserveGB float64 `yaml:"safetyReserveGB"`
	MinTokens       int     `yaml:"minTokens"`
	MaxTokens       int     `yaml:"maxTokens"`
	CautionRatio    float64 `yaml:"cautionRatio"`
	SoftStopRatio   float64 `yaml:"softStopRatio"`
	HardStopRatio   float64 `yaml:"hardStopRatio"`
}

// DefaultConfig returns the documented defaults: one token per 2 GB of
// commit headroom, 8 GB reserve, 1..32 tokens, bands at 0.80/0.88/0.92.
func DefaultConfig() Config {
	return Config{
		GBPerToken:      2.0,
		SafetyReserveGB: 8.0,
		MinTokens:       1,
		MaxTokens:       32,
		CautionRatio:    0.80,
		SoftStopRatio:   0.88,
		HardStopRatio:   0.92,
	}
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	defaults := DefaultConfig()
	if c.GBPerToken <= 0 {
		c.GBPerToken = defaults.GBPerToken
	}
	if c.SafetyReserveGB <= 0 {
		c.SafetyReserveGB = defaults.SafetyReserveGB
	}
	if c.MinTokens <= 0 {
		c.MinTokens = defaults.MinTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.CautionRatio <= 0 {
		c.CautionRatio = defaults.CautionRatio
	}
	if c.SoftStopRatio <= 0 {
		c.SoftStopRatio = defaults.SoftStopRatio
	}
	if c.HardStopRatio <= 0 {
		c.HardStopRatio = defaults.HardStopRatio
	}
	return c
}

// Validate rejects configs whose thresholds are out of order or whose token
// clamps are inverted. A failed validation is fatal to the governor.
func (c Config) Validate() error {
	if !(c.CautionRatio < c.SoftStopRatio && c.SoftStopRatio < c.HardStopRatio) {
		return fmt.Errorf(
			"throttle ratios must be strictly increasing: caution=%.2f softStop=%.2f hardStop=%.2f",
			c.CautionRatio, c.SoftStopRatio, c.HardStopRatio)
	}
	if c.HardStopRatio > 1.0 {
		return fmt.Errorf("hardStopRatio %.2f exceeds 1.0", c.HardStopRatio)
	}
	if c.MinTokens < 1 {
		return fmt.Errorf("minTokens must be at least 1, got %d", c.MinTokens)
	}
	if c.MaxTokens < c.MinTokens {
		return fmt.Errorf("maxTokens %d below minTokens %d", c.MaxTokens, c.MinTokens)
	}
	if c.GBPerToken <= 0 {
		return fmt.Errorf("gbPerToken must be positive, got %.2f", c.GBPerToken)
	}
	if c.SafetyReserveGB < 0 {
		return fmt.Errorf("safetyReserveGB must not be negative, got %.2f", c.SafetyReserveGB)
	}
	return nil
}

// Budget is the derived token capacity for one snapshot.
type Budget struct {
	TotalTokens            int
	Throttle               ThrottleLevel
	RecommendedParallelism int
	AvailableCommitGB      float64
	CommitRatio            float64
}

// Compute derives the budget from a snapshot. Pure and deterministic: no
// clock, no side effects.
func Compute(snap memory.Snapshot, cfg Config) Budget {
	availableGB := float64(snap.AvailableCommit()) / float64(1<<30)
	usable := availableGB - cfg.SafetyReserveGB
	if usable < 0 {
		usable = 0
	}

	total := int(math.Floor(usable / cfg.GBPerToken))
	if total < cfg.MinTokens {
		total = cfg.MinTokens
	}
	if total > cfg.MaxTokens {
		total = cfg.MaxTokens
	}

	ratio := snap.CommitRatio()
	level := Normal
	switch {
	case ratio >= cfg.HardStopRatio:
		level = HardStop
	case ratio >= cfg.SoftStopRatio:
		level = SoftStop
	case ratio >= cfg.CautionRatio:
		level = Caution
	}

	parallelism := int(math.Floor(usable / 3.0))
	if parallelism < 1 {
		parallelism = 1
	}

	return Budget{
		TotalTokens:            total,
		Throttle:               level,
		RecommendedParallelism: parallelism,
		AvailableCommitGB:      availableGB,
		CommitRatio:            ratio,
	}
}
