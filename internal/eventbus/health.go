package eventbus

import (
	"context"
	"time"

	"github.com/streamvox/pipeline/internal/health"
)

// Checker reports the bus healthy as long as it exists; there is no
// failure mode short of process death, so this mainly exercises the
// liveness-probe wiring end to end.
type Checker struct {
	bus *Bus
}

// NewChecker wraps bus as a health.Checker.
func NewChecker(bus *Bus) *Checker {
	return &Checker{bus: bus}
}

func (c *Checker) Name() string { return "eventbus" }

func (c *Checker) Check(ctx context.Context) health.CheckResult {
	return health.CheckResult{
		Status:  health.StatusHealthy,
		Message: "ok",
	}
}

func (c *Checker) IsCritical() bool       { return true }
func (c *Checker) Timeout() time.Duration { return time.Second }
