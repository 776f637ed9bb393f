package server

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/daiku/internal/model"
)

// subscriberBuffer is sized so a subscriber can fall a full session
// behind before events start dropping.
const subscriberBuffer = 64

// Broker fans live step events out to SSE subscribers, keyed by session.
// Register Publish as a sessions listener; it runs inline on each
// session's goroutine and must therefore never block.
type Broker struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan model.StepEvent]struct{}
}

// NewBroker creates an SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[uuid.UUID]map[chan model.StepEvent]struct{}),
	}
}

// Publish delivers ev to every subscriber of its session. A subscriber
// with a full buffer misses the event rather than stalling the workflow.
func (b *Broker) Publish(ev model.StepEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("broker: dropping event for slow subscriber",
				"session_id", ev.SessionID, "seq", ev.Seq)
		}
	}
}

// Subscribe returns a channel receiving the session's live events. The
// caller must Unsubscribe when done.
func (b *Broker) Subscribe(sessionID uuid.UUID) chan model.StepEvent {
	ch := make(chan model.StepEvent, subscriberBuffer)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan model.StepEvent]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sessionID uuid.UUID, ch chan model.StepEvent) {
	b.mu.Lock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// Subscribers reports the number of active subscribers across sessions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
