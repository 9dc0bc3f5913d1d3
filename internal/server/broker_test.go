package server

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/torii/internal/model"
	"github.com/torii-ai/torii/internal/orchestrator"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(nil, slog.Default())

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch2)

	req := model.EscalationRequest{ID: uuid.New(), SeqNum: 7, Status: model.EscalationPending}
	b.EscalationOpened(req)

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, ev1, ev2)
	assert.Contains(t, string(ev1), "event: escalation_opened\n")
	assert.Contains(t, string(ev1), req.ID.String())
	assert.Contains(t, string(ev1), `"seq":7`)

	b.Unsubscribe(ch1)
	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel should be closed")

	// Remaining subscriber still receives.
	req.Status = model.EscalationApproved
	b.EscalationResolved(req)
	ev := <-ch2
	assert.Contains(t, string(ev), "event: escalation_resolved\n")
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(nil, slog.Default())
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the buffer without draining; extra events must not block.
	req := model.EscalationRequest{ID: uuid.New(), Status: model.EscalationPending}
	for range 70 {
		b.EscalationOpened(req)
	}

	require.Len(t, ch, 64)
}

func TestBrokerPublishRunEvents(t *testing.T) {
	b := NewBroker(nil, slog.Default())
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	sessionID := uuid.New()
	b.Publish(orchestrator.Event{Kind: orchestrator.EventPhase, SessionID: sessionID, Phase: orchestrator.PhaseSynthesis})

	ev := <-ch
	assert.Contains(t, string(ev), "event: phase\n")
	assert.Contains(t, string(ev), sessionID.String())

	// Escalation kinds arrive via the escalation feed, not the sink.
	b.Publish(orchestrator.Event{Kind: orchestrator.EventEscalationOpened, SessionID: sessionID})
	require.Empty(t, ch)
}

func TestFormatSSE(t *testing.T) {
	out := formatSSE("escalation_opened", `{"id":"x"}`)
	assert.Equal(t, "event: escalation_opened\ndata: {\"id\":\"x\"}\n\n", string(out))
}
