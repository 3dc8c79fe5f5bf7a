package health

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/orchestra/internal/circuitbreaker"
)

// slowThreshold marks a reachable dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client   redis.UniversalClient
	critical bool
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. The streaming mirror
// is optional, so Redis is not critical by default.
func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	return pingResult(ctx, "Redis", func(ctx context.Context) error { return r.client.Ping(ctx).Err() })
}

// Pinger is anything with a connectivity probe, e.g. *db.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseHealthChecker checks the outcome store.
type DatabaseHealthChecker struct {
	db      Pinger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db Pinger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	return pingResult(ctx, "Database", d.db.Ping)
}

func pingResult(ctx context.Context, component string, ping func(context.Context) error) CheckResult {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: component + " ping failed",
			Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
		}
	}
	result := CheckResult{
		Status:  StatusHealthy,
		Message: component + " healthy",
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
	if latency > slowThreshold {
		result.Status = StatusDegraded
		result.Message = component + " responding but with high latency"
	}
	return result
}

// AgentBreakerChecker reports agents whose circuit breaker is not closed.
type AgentBreakerChecker struct {
	breakers *circuitbreaker.Group
}

func NewAgentBreakerChecker(breakers *circuitbreaker.Group) *AgentBreakerChecker {
	return &AgentBreakerChecker{breakers: breakers}
}

func (a *AgentBreakerChecker) Name() string           { return "agents" }
func (a *AgentBreakerChecker) IsCritical() bool       { return false }
func (a *AgentBreakerChecker) Timeout() time.Duration { return time.Second }

func (a *AgentBreakerChecker) Check(context.Context) CheckResult {
	var open, halfOpen []string
	for name, state := range a.breakers.States() {
		switch state {
		case circuitbreaker.StateOpen:
			open = append(open, name)
		case circuitbreaker.StateHalfOpen:
			halfOpen = append(halfOpen, name)
		}
	}
	sort.Strings(open)
	sort.Strings(halfOpen)

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "All agent circuits closed",
		Details: map[string]interface{}{"open": open, "half_open": halfOpen},
	}
	if len(open) > 0 || len(halfOpen) > 0 {
		result.Status = StatusDegraded
		result.Message = "Some agent circuits are open"
	}
	return result
}
