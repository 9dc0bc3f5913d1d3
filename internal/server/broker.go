package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/orchestrator"
	"github.com/torii-ai/torii/internal/storage"
)

// Broker fans out escalation lifecycle events to SSE subscribers.
//
// It has two feeds. With Postgres configured, Start runs a background
// loop over db.WaitForNotification so resolutions made by any replica
// reach every subscriber. Without Postgres, register the broker as the
// escalation manager's Notifier and events flow in-process. Use one
// feed or the other; wiring both duplicates events.
type Broker struct {
	db     *storage.DB // nil in in-process mode
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. db may be nil for in-process use.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start begins listening on the escalations channel. It blocks, so call
// it in a goroutine. Returns when ctx is cancelled. No-op without a DB.
func (b *Broker) Start(ctx context.Context) {
	if b.db == nil {
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelEscalations); err != nil {
		b.logger.Error("broker: listen escalations", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEscalations)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		// The payload carries {id,status,seq}; pending means opened,
		// any terminal status means resolved.
		var note struct {
			Status model.EscalationStatus `json:"status"`
		}
		eventType := "escalation_resolved"
		if err := json.Unmarshal([]byte(payload), &note); err == nil && note.Status == model.EscalationPending {
			eventType = "escalation_opened"
		}
		b.broadcast(formatSSE(eventType, payload))
	}
}

// EscalationOpened implements escalation.Notifier for in-process mode.
func (b *Broker) EscalationOpened(req model.EscalationRequest) {
	b.broadcast(formatSSE("escalation_opened", marshalEvent(req)))
}

// EscalationResolved implements escalation.Notifier for in-process mode.
func (b *Broker) EscalationResolved(req model.EscalationRequest) {
	b.broadcast(formatSSE("escalation_resolved", marshalEvent(req)))
}

// Publish implements orchestrator.Sink, streaming run progress to SSE
// subscribers. Escalation kinds are skipped here: those reach the broker
// through its escalation feed, which also covers resolutions made by
// other replicas.
func (b *Broker) Publish(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventEscalationOpened, orchestrator.EventEscalationResolved:
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.broadcast(formatSSE(string(ev.Kind), string(payload)))
}

func marshalEvent(req model.EscalationRequest) string {
	payload, err := json.Marshal(map[string]any{
		"id":     req.ID,
		"status": req.Status,
		"seq":    req.SeqNum,
	})
	if err != nil {
		return "{}"
	}
	return string(payload)
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a
// full buffer are skipped so one slow client cannot block the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
