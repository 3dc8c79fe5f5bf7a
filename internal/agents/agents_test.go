package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/orchestra/internal/circuitbreaker"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/ratecontrol"
)

func echo(name string) Agent {
	return AgentFunc(func(_ context.Context, c models.Capability, _ map[string]interface{}, _ models.RequestContext) (interface{}, error) {
		return name + ":" + string(c), nil
	})
}

func TestSelectorFallsBackToQuery(t *testing.T) {
	r := NewRegistry(nil, zaptest.NewLogger(t))
	require.NoError(t, r.RegisterAgent(models.CapabilityQuery, echo("q")))
	require.NoError(t, r.RegisterAgent(models.CapabilityAnalyze, echo("a")))
	s := NewSelector(r, zaptest.NewLogger(t))

	ref, err := s.Select(models.CapabilityAnalyze)
	require.NoError(t, err)
	assert.Equal(t, Ref{Name: "analyze-agent", Capability: models.CapabilityAnalyze}, ref)

	// registered set is partial
	ref, err = s.Select(models.CapabilityVisualize)
	require.NoError(t, err)
	assert.Equal(t, "query-agent", ref.Name)

	// outside the known set entirely
	ref, err = s.Select(models.Capability("teleport"))
	require.NoError(t, err)
	assert.Equal(t, models.CapabilityQuery, ref.Capability)
}

func TestSelectorWithoutFallback(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.RegisterAgent(models.CapabilityAnalyze, echo("a")))
	_, err := NewSelector(r, nil).Select(models.CapabilityVisualize)
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestRegistryRejectsUnknownCapability(t *testing.T) {
	r := NewRegistry(nil, nil)
	assert.Error(t, r.RegisterAgent(models.Capability("teleport"), echo("x")))
	assert.Error(t, r.Register(models.CapabilityQuery, nil))
}

func TestRegistryBuildsOnce(t *testing.T) {
	r := NewRegistry(nil, nil)
	var builds int32
	require.NoError(t, r.Register(models.CapabilityQuery, func() (Agent, error) {
		atomic.AddInt32(&builds, 1)
		return echo("q"), nil
	}))

	ref := Ref{Name: "query-agent", Capability: models.CapabilityQuery}
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(ref)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), builds)

	_, err := r.Resolve(Ref{Name: "ghost", Capability: models.CapabilityQuery})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(models.CapabilityQuery, func() (Agent, error) {
		return nil, errors.New("no credentials")
	}))
	_, err := r.Resolve(Ref{Name: "query-agent", Capability: models.CapabilityQuery})
	assert.ErrorContains(t, err, "no credentials")
}

func TestGuardOpensBreakerAfterFailures(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	guard := NewGuard(circuitbreaker.NewGroup(cfg, zap.NewNop()), nil, zap.NewNop())

	var calls int32
	failing := AgentFunc(func(context.Context, models.Capability, map[string]interface{}, models.RequestContext) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("upstream 500")
	})

	r := NewRegistry(guard, nil)
	require.NoError(t, r.RegisterAgent(models.CapabilityAnalyze, failing))
	a, err := r.Resolve(Ref{Name: "analyze-agent", Capability: models.CapabilityAnalyze})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := a.Invoke(ctx, models.CapabilityAnalyze, nil, models.RequestContext{})
		assert.ErrorContains(t, err, "upstream 500")
	}
	_, err = a.Invoke(ctx, models.CapabilityAnalyze, nil, models.RequestContext{})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls)
}

func TestGuardRateLimitHonorsContext(t *testing.T) {
	limiter := ratecontrol.NewLimiter(ratecontrol.Config{Default: ratecontrol.RateLimit{RPM: 1}})
	a := NewGuard(nil, limiter, nil).Wrap(Ref{Name: "query-agent", Capability: models.CapabilityQuery}, echo("q"))

	v, err := a.Invoke(context.Background(), models.CapabilityQuery, nil, models.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "q:query", v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.Invoke(ctx, models.CapabilityQuery, nil, models.RequestContext{})
	assert.ErrorContains(t, err, "rate limited")
}

func TestHTTPAgentInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/invoke", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req invokeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		switch req.Capability {
		case "query":
			_ = json.NewEncoder(w).Encode(invokeResponse{Success: true, Result: map[string]interface{}{"rowCount": 3, "req": req.RequestID}})
		case "analyze":
			_ = json.NewEncoder(w).Encode(invokeResponse{Success: false, Error: "model overloaded"})
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	a := NewHTTPAgent("remote", srv.URL+"/", time.Second, zaptest.NewLogger(t))
	rc := models.RequestContext{RequestID: "r-1", Request: "count orders"}

	v, err := a.Invoke(context.Background(), models.CapabilityQuery, map[string]interface{}{"input": "count orders"}, rc)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"rowCount": float64(3), "req": "r-1"}, v)

	_, err = a.Invoke(context.Background(), models.CapabilityAnalyze, nil, rc)
	assert.EqualError(t, err, "model overloaded")

	_, err = a.Invoke(context.Background(), models.CapabilityVisualize, nil, rc)
	assert.ErrorContains(t, err, "status 502")
}

func TestBuiltinsServeEveryCapability(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, len(models.Capabilities()), len(r.Capabilities()))

	a, err := r.Resolve(Ref{Name: "query-agent", Capability: models.CapabilityQuery})
	require.NoError(t, err)
	v, err := a.Invoke(context.Background(), models.CapabilityQuery, map[string]interface{}{"input": "list users"}, models.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, v.(map[string]interface{})["rowCount"])
}

func TestInstanceNameDeterministic(t *testing.T) {
	assert.Equal(t, InstanceName("run-1", 0), InstanceName("run-1", 0))
	assert.NotEqual(t, InstanceName("run-1", 0), InstanceName("run-1", 1))
	assert.NotEmpty(t, InstanceName("", 99))
}
