package session

import (
	"context"
	"time"

	"github.com/streamvox/pipeline/internal/health"
)

// Checker pings the Redis backing store in Redis mode; in local mode it
// always reports healthy since there is no external dependency to fail.
type Checker struct {
	m *Manager
}

// NewChecker wraps m as a health.Checker.
func NewChecker(m *Manager) *Checker {
	return &Checker{m: m}
}

func (c *Checker) Name() string { return "session_manager" }

func (c *Checker) Check(ctx context.Context) health.CheckResult {
	rw := c.m.RedisWrapper()
	if rw == nil {
		return health.CheckResult{Status: health.StatusHealthy, Message: "local mode"}
	}
	if err := rw.Ping(ctx).Err(); err != nil {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: "redis ping failed",
			Error:   err.Error(),
		}
	}
	return health.CheckResult{Status: health.StatusHealthy, Message: "ok"}
}

func (c *Checker) IsCritical() bool       { return true }
func (c *Checker) Timeout() time.Duration { return 2 * time.Second }
