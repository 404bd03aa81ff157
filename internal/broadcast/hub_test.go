package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
}

func (r *recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func (r *recorder) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *recorder) types(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		var m struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestSubscribeSendsSnapshotFirst(t *testing.T) {
	hub := NewHub(time.Hour, 50, nil)
	first := &recorder{}
	require.NoError(t, hub.Subscribe(first, nil))

	// A delta is pending when the second subscriber connects
	hub.Publish(TypeLiveMonitoring, map[string]int{"n": 1})

	late := &recorder{}
	require.NoError(t, hub.Subscribe(late, func() Message {
		return Message{Type: TypeInitial, Data: "snapshot"}
	}))

	hub.Publish(TypeStatus, "running")

	got := late.types(t)
	require.NotEmpty(t, got)
	assert.Equal(t, TypeInitial, got[0])
	assert.Equal(t, []string{TypeInitial, TypeLiveMonitoring, TypeStatus}, got)
}

func TestImmediateTypesBypassBatching(t *testing.T) {
	hub := NewHub(time.Hour, 50, nil)
	sub := &recorder{}
	require.NoError(t, hub.Subscribe(sub, nil))

	hub.Publish(TypeSettings, nil)
	hub.Publish(TypeStatus, nil)

	assert.Equal(t, []string{TypeSettings, TypeStatus}, sub.types(t))
}

func TestBatchFlushesAfterWindow(t *testing.T) {
	hub := NewHub(20*time.Millisecond, 50, nil)
	sub := &recorder{}
	require.NoError(t, hub.Subscribe(sub, nil))

	hub.Publish(TypeLiveMonitoring, 1)
	hub.Publish(TypeSpeedTest, 2)
	hub.Publish(TypeNotification, 3)
	assert.Equal(t, 0, sub.count())

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)

	var env struct {
		Type     string    `json:"type"`
		Count    int       `json:"count"`
		Messages []Message `json:"messages"`
	}
	sub.mu.Lock()
	require.NoError(t, json.Unmarshal(sub.frames[0], &env))
	sub.mu.Unlock()
	assert.Equal(t, TypeBatch, env.Type)
	assert.Equal(t, 3, env.Count)
	assert.Equal(t, TypeLiveMonitoring, env.Messages[0].Type)
	assert.Equal(t, TypeNotification, env.Messages[2].Type)
}

func TestSingleQueuedMessageSentUnwrapped(t *testing.T) {
	hub := NewHub(10*time.Millisecond, 50, nil)
	sub := &recorder{}
	require.NoError(t, hub.Subscribe(sub, nil))

	hub.Publish(TypeHistory, []int{1})

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TypeHistory}, sub.types(t))
}

func TestBatchFlushesAtSizeCap(t *testing.T) {
	hub := NewHub(time.Hour, 3, nil)
	sub := &recorder{}
	require.NoError(t, hub.Subscribe(sub, nil))

	for i := 0; i < 3; i++ {
		hub.Publish(TypeLiveMonitoring, i)
	}

	assert.Equal(t, []string{TypeBatch}, sub.types(t))
}

func TestClosedSubscribersAreDropped(t *testing.T) {
	hub := NewHub(time.Hour, 50, nil)
	open := &recorder{}
	gone := &recorder{closed: true}
	broken := &recorder{}
	require.NoError(t, hub.Subscribe(open, nil))
	require.NoError(t, hub.Subscribe(gone, nil))
	require.NoError(t, hub.Subscribe(broken, nil))
	broken.failing = true

	hub.Publish(TypeStatus, nil)

	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, 1, open.count())
}

func TestCloseFlushesPending(t *testing.T) {
	hub := NewHub(time.Hour, 50, nil)
	sub := &recorder{}
	require.NoError(t, hub.Subscribe(sub, nil))

	hub.Publish(TypeLiveMonitoring, nil)
	hub.Close()
	hub.Publish(TypeLiveMonitoring, nil)

	assert.Equal(t, []string{TypeLiveMonitoring}, sub.types(t))
}
