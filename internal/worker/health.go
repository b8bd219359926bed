package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/streamvox/pipeline/internal/health"
)

// Checker reports a Worker as unhealthy once it has stopped running;
// saturation (InFlight == MaxInFlight) is reported degraded: admission
// control drops further chunks (counted) instead of blocking the bus.
type Checker struct {
	w *Worker
}

// NewChecker wraps w as a health.Checker.
func NewChecker(w *Worker) *Checker {
	return &Checker{w: w}
}

func (c *Checker) Name() string { return "worker:" + string(c.w.kind) }

func (c *Checker) Check(ctx context.Context) health.CheckResult {
	st := c.w.Status()
	if !st.Running {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: "worker not running",
			Details: map[string]interface{}{"kind": string(st.Kind)},
		}
	}
	if st.InFlight >= st.MaxInFlight {
		return health.CheckResult{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("worker saturated: %d/%d in flight", st.InFlight, st.MaxInFlight),
			Details: map[string]interface{}{"in_flight": st.InFlight, "max_in_flight": st.MaxInFlight},
		}
	}
	return health.CheckResult{
		Status:  health.StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{"in_flight": st.InFlight, "max_in_flight": st.MaxInFlight},
	}
}

func (c *Checker) IsCritical() bool     { return true }
func (c *Checker) Timeout() time.Duration { return 2 * time.Second }
