package streaming

import (
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
	// Push 4 events, which will overwrite the first
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
	m := NewManager(nil, 8, zap.NewNop())
	ch := m.Subscribe("p1", 4)
	other := m.Subscribe("p2", 4)

	sent := m.Publish("p1", Event{Type: EventPhaseStarted, Phase: "extraction"})
	assert.Equal(t, uint64(1), sent.Seq)
	assert.Equal(t, "p1", sent.ProjectID)
	assert.False(t, sent.Timestamp.IsZero())

	select {
	case e := <-ch:
		assert.Equal(t, EventPhaseStarted, e.Type)
		assert.Equal(t, "extraction", e.Phase)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case e := <-other:
		t.Fatalf("unexpected event for other project: %+v", e)
	default:
	}

	m.Unsubscribe("p1", ch)
	m.Unsubscribe("p1", ch)
	_, open := <-ch
	assert.False(t, open)
	m.Publish("p1", Event{Type: EventProgress})
}

func TestSlowSubscriberDropsButReplays(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())
	ch := m.Subscribe("p", 1)
	for i := 0; i < 5; i++ {
		m.Publish("p", Event{Type: EventProgress, Percent: float64(i * 10)})
	}
	first := <-ch
	assert.Equal(t, uint64(1), first.Seq)

	evs := m.ReplaySince("p", first.Seq)
	require.Len(t, evs, 4)
	assert.Equal(t, uint64(5), evs[3].Seq)
	assert.Equal(t, 40.0, evs[3].Percent)
}

func TestReplayFromRedisStream(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	writer := NewManager(rdb, 32, zap.NewNop())
	for i := 1; i <= 5; i++ {
		writer.Publish("proj", Event{Type: EventProgress, Data: map[string]interface{}{"index": i}})
	}
	writer.Publish("proj", Event{Type: EventCompleted, Status: "completed", Percent: 100})

	// a fresh process has no ring for the project and falls back to the stream
	reader := NewManager(rdb, 32, zap.NewNop())
	evs := reader.ReplaySince("proj", 0)
	require.Len(t, evs, 6)
	assert.Equal(t, float64(1), evs[0].Data["index"])
	assert.True(t, evs[5].Terminal())

	evs = reader.ReplaySince("proj", 4)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(5), evs[0].Seq)

	writer.Forget("proj")
	assert.Len(t, writer.ReplaySince("proj", 0), 6)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Event{Type: EventCancelled}.Terminal())
	assert.True(t, Event{Type: EventError}.Terminal())
	assert.False(t, Event{Type: EventQueuedHeavy}.Terminal())
}
