// Package broadcast fans live updates out to connected dashboard clients.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"linkpulse/internal/metrics"
)

// Message types pushed to subscribers.
const (
	TypeInitial        = "initial"
	TypeStatus         = "status"
	TypeSettings       = "settings"
	TypeLiveMonitoring = "liveMonitoring"
	TypeSpeedTest      = "speedtest"
	TypeHistory        = "history"
	TypeHistoryCleared = "historyCleared"
	TypeNotification   = "notification"
	TypeBatch          = "batch"
)

const (
	DefaultWindow   = 100 * time.Millisecond
	DefaultMaxBatch = 50
)

// Subscriber is a live connection able to receive serialized messages.
type Subscriber interface {
	Send(data []byte) error
	IsOpen() bool
}

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type batchEnvelope struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// immediate reports whether a message type bypasses batching.
func immediate(t string) bool {
	switch t {
	case TypeInitial, TypeStatus, TypeSettings:
		return true
	}
	return false
}

// Hub delivers messages to subscribers. Non-critical messages are held
// for up to window or until maxBatch are queued, then flushed together.
type Hub struct {
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
	queue       []Message
	timer       *time.Timer
	window      time.Duration
	maxBatch    int
	closed      bool
	metrics     *metrics.Collector
}

func NewHub(window time.Duration, maxBatch int, m *metrics.Collector) *Hub {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Hub{
		subscribers: make(map[Subscriber]struct{}),
		window:      window,
		maxBatch:    maxBatch,
		metrics:     m,
	}
}

// Subscribe registers sub after delivering the snapshot built by
// snapshot. Both happen under the hub lock, so no delta can reach sub
// before its snapshot.
func (h *Hub) Subscribe(sub Subscriber, snapshot func() Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snapshot != nil {
		msg := snapshot()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := sub.Send(data); err != nil {
			return err
		}
	}

	h.subscribers[sub] = struct{}{}
	logrus.WithField("subscribers", len(h.subscribers)).Debug("Subscriber connected")
	return nil
}

func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Publish sends immediate types right away and queues the rest.
func (h *Hub) Publish(msgType string, data interface{}) {
	msg := Message{Type: msgType, Data: data, Timestamp: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if immediate(msgType) {
		// keep ordering with anything already queued
		h.flushLocked()
		h.sendLocked(msg)
		return
	}

	h.queue = append(h.queue, msg)
	if len(h.queue) >= h.maxBatch {
		h.flushLocked()
		return
	}
	if h.timer == nil {
		h.timer = time.AfterFunc(h.window, h.flush)
	}
}

func (h *Hub) flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
}

func (h *Hub) flushLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if len(h.queue) == 0 {
		return
	}

	queued := h.queue
	h.queue = nil
	h.metrics.RecordBatch(len(queued))

	if len(queued) == 1 {
		h.sendLocked(queued[0])
		return
	}
	h.sendLocked(batchEnvelope{Type: TypeBatch, Messages: queued, Count: len(queued)})
}

func (h *Hub) sendLocked(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	for sub := range h.subscribers {
		if !sub.IsOpen() {
			delete(h.subscribers, sub)
			continue
		}
		if err := sub.Send(data); err != nil {
			logrus.WithError(err).Debug("Dropping subscriber after send failure")
			delete(h.subscribers, sub)
		}
	}
}

// Close flushes pending messages and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
	h.closed = true
}
