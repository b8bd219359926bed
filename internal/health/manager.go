package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type checkerEntry struct {
	checker Checker
}

// Manager runs every registered Checker on demand and on a fixed
// background interval, and folds their results into one overall
// status. Every pipeline component is always on — there is no
// per-checker enable/disable, since a checker only exists here because
// one of the lifecycle-controlled components registered it at startup.
type Manager struct {
	checkers    map[string]*checkerEntry
	lastResults map[string]CheckResult

	checkInterval time.Duration
	started       bool
	stopCh        chan struct{}

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewManager creates a health manager that runs background checks
// every 30s.
func NewManager(logger *zap.Logger) *Manager {
	return NewManagerWithInterval(logger, 30*time.Second)
}

// NewManagerWithInterval creates a health manager with an explicit
// background check interval, e.g. tied to the pipeline's own
// cleanup_interval_s configuration.
func NewManagerWithInterval(logger *zap.Logger, interval time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		checkers:      make(map[string]*checkerEntry),
		lastResults:   make(map[string]CheckResult),
		checkInterval: interval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = &checkerEntry{checker: checker}
	m.logger.Info("health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	m.logger.Info("health checker unregistered", zap.String("checker", name))
	return nil
}

// GetCheckers returns all registered checkers
func (m *Manager) GetCheckers() map[string]Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Checker, len(m.checkers))
	for name, entry := range m.checkers {
		result[name] = entry.checker
	}
	return result
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)
	detailed.Overall.Duration = time.Since(start)
	return detailed.Overall
}

// GetDetailedHealth runs every registered checker and returns the
// aggregate result.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	entries := make(map[string]*checkerEntry, len(m.checkers))
	for name, e := range m.checkers {
		entries[name] = e
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(entries))
	summary := HealthSummary{Total: len(entries)}

	for name, entry := range entries {
		result := m.runCheck(ctx, entry)
		components[name] = result
		tallyResult(&summary, result)
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    calculateOverallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

func (m *Manager) runCheck(ctx context.Context, entry *checkerEntry) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, entry.checker.Timeout())
	defer cancel()

	start := time.Now()
	result := entry.checker.Check(checkCtx)
	result.Component = entry.checker.Name()
	result.Critical = entry.checker.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func tallyResult(summary *HealthSummary, result CheckResult) {
	switch result.Status {
	case StatusHealthy:
		summary.Healthy++
	case StatusDegraded:
		summary.Degraded++
	case StatusUnhealthy:
		summary.Unhealthy++
	}
	if result.Critical {
		summary.Critical++
	} else {
		summary.NonCritical++
	}
}

// calculateOverallStatus determines overall health from component results
func calculateOverallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "no health checks registered"}
	}

	var criticalFailures, nonCriticalFailures, degraded int
	for _, result := range components {
		switch {
		case result.Status == StatusDegraded:
			degraded++
		case result.Status == StatusUnhealthy && result.Critical:
			criticalFailures++
		case result.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		return OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Ready:   false,
			Live:    true,
		}
	case degraded > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	case nonCriticalFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	default:
		return OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("all %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive returns true if the service is alive (for liveness probes)
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// Start begins background health checking
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	go m.backgroundLoop()
	m.logger.Info("health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop stops background health checking
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("health manager stopped")
	return nil
}

func (m *Manager) backgroundLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.GetDetailedHealth(context.Background())
		}
	}
}

// GetLastResults returns the most recent health check results without
// running new checks, used by the HTTP handler's cached view.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}
