package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers concurrently, each under its own timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[checker.Name()]; exists {
		return fmt.Errorf("health checker %q already registered", checker.Name())
	}
	m.checkers[checker.Name()] = checker
	m.logger.Debug("Health checker registered",
		zap.String("name", checker.Name()),
		zap.Bool("critical", checker.IsCritical()),
	)
	return nil
}

// Names lists registered checkers.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker and folds the results: a failing critical check
// makes the service unhealthy, anything else failing or degraded makes it
// degraded. No checkers means healthy.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	start := time.Now()
	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runSingleCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  start,
		Duration:   time.Since(start),
	}
	for _, r := range results {
		report.Components[r.Component] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			report.Status = StatusUnhealthy
		case r.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	report.Ready = report.Status != StatusUnhealthy
	return report
}

// runSingleCheck executes a single health check with timeout
func (m *Manager) runSingleCheck(ctx context.Context, checker Checker) (result CheckResult) {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health check panicked", zap.String("name", checker.Name()), zap.Any("panic", r))
			result = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprint(r), Message: "check panicked"}
		}
		// Ensure result has required fields
		result.Component = checker.Name()
		result.Critical = checker.IsCritical()
		result.Duration = time.Since(startTime)
		result.Timestamp = startTime
	}()

	return checker.Check(checkCtx)
}
