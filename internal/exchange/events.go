package exchange

import (
	"context"
	"time"

	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/diyama/exchange-desk/internal/money"
)

const (
	EventRequestCreatedV1 = "exchange.request.created.v1"
	EventRequestStatusV1  = "exchange.request.status.v1"
	EventAdminAddedV1     = "exchange.admin.added.v1"
	EventRequestStateV1   = "exchange.request.state.v1"

	DefaultEventTopic = "exchange.events.v1"
)

// Publisher receives committed lifecycle events. queue.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type RequestEvent struct {
	Version        string            `json:"version"`
	RequestID      uint64            `json:"requestId"`
	Owner          identity.Identity `json:"owner"`
	Actor          identity.Identity `json:"actor"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	Status         string            `json:"status"`
	SourceAmount   string            `json:"sourceAmount"`
	DestAmount     string            `json:"destAmount"`
	Notes          string            `json:"notes"`
	At             time.Time         `json:"at"`
}

type AdminEvent struct {
	Version string            `json:"version"`
	Admin   identity.Identity `json:"admin"`
	AddedBy identity.Identity `json:"addedBy"`
	At      time.Time         `json:"at"`
}

func newRequestEvent(version string, r Request, actor identity.Identity, prev Status, at time.Time) RequestEvent {
	ev := RequestEvent{
		Version:      version,
		RequestID:    r.ID,
		Owner:        r.Owner,
		Actor:        actor,
		Status:       r.Status.String(),
		SourceAmount: money.Format(r.SourceAmount),
		DestAmount:   money.Format(r.DestAmount),
		Notes:        r.Notes,
		At:           at.UTC(),
	}
	if prev.Valid() {
		ev.PreviousStatus = prev.String()
	}
	return ev
}

// StateEvent describes the stored state of r with no actor. Replays emit it so
// downstream consumers can rebuild their view of every request.
func StateEvent(r Request, at time.Time) RequestEvent {
	return newRequestEvent(EventRequestStateV1, r, identity.Identity{}, StatusUnknown, at)
}
