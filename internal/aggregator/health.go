package aggregator

import (
	"context"
	"time"

	"github.com/streamvox/pipeline/internal/health"
)

// Checker reports degraded once the number of open (incomplete) entries
// grows past a suspicious threshold, which usually means a downstream
// worker has stalled and chunk_done is no longer closing entries.
type Checker struct {
	a         *Aggregator
	maxOpen   int64
}

// NewChecker wraps a as a health.Checker. maxOpen bounds the open-entry
// count before the checker reports degraded; 0 disables the bound.
func NewChecker(a *Aggregator, maxOpen int64) *Checker {
	return &Checker{a: a, maxOpen: maxOpen}
}

func (c *Checker) Name() string { return "aggregator" }

func (c *Checker) Check(ctx context.Context) health.CheckResult {
	open := c.a.OpenCount()
	if c.maxOpen > 0 && open > c.maxOpen {
		return health.CheckResult{
			Status:  health.StatusDegraded,
			Message: "open entry count above threshold",
			Details: map[string]interface{}{"open": open, "max_open": c.maxOpen},
		}
	}
	return health.CheckResult{
		Status:  health.StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{"open": open},
	}
}

func (c *Checker) IsCritical() bool       { return true }
func (c *Checker) Timeout() time.Duration { return time.Second }
