package streaming

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	runID := "run-1"

	ch := m.Subscribe(runID, 10)
	defer m.Unsubscribe(runID, ch)

	m.Publish(runID, Event{Type: TypePlan, Message: "planning"})
	m.Publish(runID, Event{Type: TypeInvestigate, Payload: map[string]any{"sub_question": "q1"}})

	select {
	case e := <-ch:
		assert.Equal(t, TypePlan, e.Type)
		assert.Equal(t, runID, e.RunID)
		assert.Equal(t, uint64(0), e.Seq)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case e := <-ch:
		assert.Equal(t, TypeInvestigate, e.Type)
		assert.Equal(t, uint64(1), e.Seq)
		assert.Equal(t, "q1", e.Payload["sub_question"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second event")
	}
}

func TestManagerReplaySince(t *testing.T) {
	m := NewManager(3)
	runID := "run-replay"

	// Four events into a ring of three: seq 0 is overwritten.
	for i := 0; i < 4; i++ {
		m.Publish(runID, Event{Type: TypeInvestigate})
	}

	evs := m.ReplaySince(runID, 0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, uint64(3), evs[2].Seq)

	evs = m.ReplaySince(runID, 2)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(3), evs[0].Seq)

	assert.Nil(t, m.ReplaySince("unknown-run", 0))
}

func TestManagerReplayFullHistory(t *testing.T) {
	m := NewManager(8)
	runID := "run-full"

	m.Publish(runID, Event{Type: TypePlan})
	m.Publish(runID, Event{Type: TypeDone})

	evs := m.Replay(runID)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(0), evs[0].Seq)
	assert.Equal(t, TypePlan, evs[0].Type)
	assert.Equal(t, TypeDone, evs[1].Type)

	assert.Nil(t, m.Replay("unknown-run"))
}

func TestManagerMultipleSubscribers(t *testing.T) {
	m := NewManager(16)
	runID := "run-fanout"

	ch1 := m.Subscribe(runID, 5)
	ch2 := m.Subscribe(runID, 5)
	defer m.Unsubscribe(runID, ch1)
	defer m.Unsubscribe(runID, ch2)

	m.Publish(runID, Event{Type: TypeFinalize, Message: "done"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeFinalize, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i+1)
		}
	}
}

func TestManagerSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(16)
	runID := "run-slow"

	// Unbuffered channel with nobody draining.
	ch := m.Subscribe(runID, 0)
	defer m.Unsubscribe(runID, ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Publish(runID, Event{Type: TypeInvestigate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// History still captured even though delivery was dropped.
	assert.NotEmpty(t, m.ReplaySince(runID, 0))
}

func TestManagerUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	runID := "run-close"

	ch := m.Subscribe(runID, 1)
	m.Unsubscribe(runID, ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after the last subscriber left must not panic.
	m.Publish(runID, Event{Type: TypeDone})
}

func TestManagerForget(t *testing.T) {
	m := NewManager(16)
	runID := "run-forget"

	ch := m.Subscribe(runID, 1)
	m.Publish(runID, Event{Type: TypeDone})
	m.Forget(runID)

	assert.Nil(t, m.ReplaySince(runID, 0))
	// Subscriber channel was closed by Forget; drain the buffered event first.
	for range ch {
	}
}

func TestManagerForgetsRunAfterRetention(t *testing.T) {
	m := NewManager(8)
	m.retention = 30 * time.Millisecond
	runID := "run-ttl"

	ch := m.Subscribe(runID, 4)
	m.Publish(runID, Event{Type: TypeDone})

	require.Eventually(t, func() bool {
		return m.Replay(runID) == nil
	}, 2*time.Second, 20*time.Millisecond, "terminal event did not expire the run")

	for range ch {
	}

	// A run without a terminal event is kept.
	m.Publish("run-live", Event{Type: TypePlan})
	time.Sleep(100 * time.Millisecond)
	assert.NotNil(t, m.Replay("run-live"))
}

func TestManagerConcurrentPublish(t *testing.T) {
	m := NewManager(2048)
	runID := "run-concurrent"

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Publish(runID, Event{Type: TypeInvestigate})
			}
		}()
	}
	wg.Wait()

	evs := m.ReplaySince(runID, 0)
	require.Len(t, evs, 1000)
	seen := make(map[uint64]bool, len(evs))
	for _, e := range evs {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
}

func TestEventMarshal(t *testing.T) {
	e := Event{
		Seq:       7,
		RunID:     "run-json",
		Type:      TypeCritique,
		Message:   "score 0.5",
		Payload:   map[string]any{"score": 0.5},
		Timestamp: time.Now().UTC(),
	}

	var decoded Event
	require.NoError(t, json.Unmarshal(e.Marshal(), &decoded))
	assert.Equal(t, e.Seq, decoded.Seq)
	assert.Equal(t, e.RunID, decoded.RunID)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, 0.5, decoded.Payload["score"])
}
