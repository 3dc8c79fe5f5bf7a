package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(8, zap.NewNop())
	ch := m.Subscribe("wf-1", 4)
	other := m.Subscribe("wf-2", 4)

	m.Publish("wf-1", Event{Type: EventStepStarted, StepID: "query_1"})
	m.Publish("wf-1", Event{Type: EventStepCompleted, StepID: "query_1"})

	first := <-ch
	second := <-ch
	assert.Equal(t, EventStepStarted, first.Type)
	assert.Equal(t, "wf-1", first.WorkflowID)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, first.Timestamp.IsZero())

	select {
	case e := <-other:
		t.Fatalf("unexpected event for other workflow: %+v", e)
	default:
	}

	m.Unsubscribe("wf-1", ch)
	_, open := <-ch
	assert.False(t, open)
	// second unsubscribe is a no-op
	m.Unsubscribe("wf-1", ch)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(8, zap.NewNop())
	ch := m.Subscribe("wf", 1)
	for i := 0; i < 5; i++ {
		m.Publish("wf", Event{Type: EventStepRetry})
	}
	assert.Len(t, ch, 1)
	assert.Len(t, m.ReplaySince("wf", 0), 5)
}

func TestReplaySinceBoundedByCapacity(t *testing.T) {
	m := NewManager(5, zap.NewNop())
	for i := 0; i < 8; i++ {
		m.Publish("wf", Event{Type: EventStepStarted})
	}
	evs := m.ReplaySince("wf", 0)
	require.Len(t, evs, 5)
	assert.Equal(t, uint64(4), evs[0].Seq)

	for _, e := range m.ReplaySince("wf", 6) {
		assert.Greater(t, e.Seq, uint64(6))
	}
	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestRedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewManager(16, zap.NewNop(), WithRedisMirror(client, 100, time.Hour))
	m.Publish("wf-r", Event{Type: EventWorkflowStarted})
	m.Publish("wf-r", Event{Type: EventStepFailed, StepID: "analysis_1", Data: map[string]interface{}{"failure": "timeout"}})
	m.Publish("wf-r", Event{Type: EventWorkflowCompleted})

	ctx := context.Background()
	n, err := client.XLen(ctx, StreamKey("wf-r")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, mr.TTL(StreamKey("wf-r")) > 0)

	evs, err := m.ReadMirror(ctx, "wf-r", 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, EventStepFailed, evs[0].Type)
	assert.Equal(t, "analysis_1", evs[0].StepID)
	assert.Equal(t, "timeout", evs[0].Data["failure"])
	assert.Equal(t, EventWorkflowCompleted, evs[1].Type)
}

func TestReadMirrorWithoutRedis(t *testing.T) {
	_, err := NewManager(0, nil).ReadMirror(context.Background(), "wf", 0)
	assert.Error(t, err)
}
