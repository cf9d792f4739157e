package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// DefaultParkedCollection holds events that exhausted their attempts.
const DefaultParkedCollection = "parked_events"

// ParkedEvent is an event a listener gave up on.
type ParkedEvent struct {
	ID       string        `json:"id"`
	Listener string        `json:"listener"`
	Stream   string        `json:"stream"`
	Event    message.Event `json:"event"`
	Attempts int64         `json:"attempts"`
	Error    string        `json:"error"`
	ParkedAt time.Time     `json:"parkedAt"`
}

// Parked stores parked events as documents.
type Parked struct {
	store      storage.DocumentStore
	collection string
	now        func() time.Time
}

// NewParked creates a parked events store. An empty collection means
// DefaultParkedCollection.
func NewParked(store storage.DocumentStore, collection string) *Parked {
	if collection == "" {
		collection = DefaultParkedCollection
	}
	return &Parked{store: store, collection: collection, now: func() time.Time { return time.Now().UTC() }}
}

// Collection returns the backing collection.
func (p *Parked) Collection() string { return p.collection }

func parkedID(listener, uuid string) string {
	return listener + ":" + uuid
}

// Park records ev. Parking the same event twice for a listener replaces the
// earlier record.
func (p *Parked) Park(ctx context.Context, listener, stream string, ev message.Event, attempts int, cause error) error {
	data := map[string]any{
		"listener": listener,
		"stream":   stream,
		"position": ev.Position,
		"event":    ev.AsMap(),
		"attempts": int64(attempts),
		"error":    cause.Error(),
		"parkedAt": p.now().Format(time.RFC3339Nano),
	}
	if err := p.store.UpsertDoc(ctx, p.collection, parkedID(listener, ev.UUID), data); err != nil {
		return fmt.Errorf("park %s for %s: %w", ev.UUID, listener, err)
	}
	return nil
}

// List returns the events parked by listener in stream position order.
func (p *Parked) List(ctx context.Context, listener string) ([]ParkedEvent, error) {
	docs, err := p.store.FindDocs(ctx, p.collection, filter.Eq("listener", listener), storage.FindOptions{
		OrderBy: []filter.SortField{{Field: "position", Order: filter.Asc}},
	})
	if err != nil {
		return nil, fmt.Errorf("list parked events of %s: %w", listener, err)
	}
	out := make([]ParkedEvent, 0, len(docs))
	for _, d := range docs {
		pe, err := decodeParked(d)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, nil
}

// Requeue hands every event parked by listener to handler once, oldest
// first. Delivered events are removed; failures stay parked with the new
// error and an incremented attempt count. It returns how many were
// delivered and the joined failures.
func (p *Parked) Requeue(ctx context.Context, listener string, handler Handler) (int, error) {
	parked, err := p.List(ctx, listener)
	if err != nil {
		return 0, err
	}
	delivered := 0
	var failed []error
	for _, pe := range parked {
		if err := ctx.Err(); err != nil {
			return delivered, errors.Join(append(failed, err)...)
		}
		if herr := handler(ctx, pe.Event); herr != nil {
			if err := p.store.UpdateDoc(ctx, p.collection, pe.ID, map[string]any{
				"attempts": pe.Attempts + 1,
				"error":    herr.Error(),
			}); err != nil {
				return delivered, err
			}
			failed = append(failed, fmt.Errorf("requeue %s: %w", pe.Event.UUID, herr))
			continue
		}
		if err := p.store.DeleteDoc(ctx, p.collection, pe.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, errors.Join(failed...)
}

func decodeParked(d storage.Document) (ParkedEvent, error) {
	raw, _ := d.Data["event"].(map[string]any)
	ev := message.Event{
		UUID:    strOf(raw, "uuid"),
		Name:    strOf(raw, "name"),
		Payload: mapOf(raw, "payload"),
		Meta:    mapOf(raw, "meta"),
	}
	if created := strOf(raw, "createdAt"); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return ParkedEvent{}, fmt.Errorf("parked event %s: createdAt: %w", d.ID, err)
		}
		ev.CreatedAt = t
	}
	ev.Position, _ = canon.AsInt(d.Data["position"])
	attempts, _ := canon.AsInt(d.Data["attempts"])
	parkedAt, _ := time.Parse(time.RFC3339Nano, strOf(d.Data, "parkedAt"))
	return ParkedEvent{
		ID:       d.ID,
		Listener: strOf(d.Data, "listener"),
		Stream:   strOf(d.Data, "stream"),
		Event:    ev,
		Attempts: attempts,
		Error:    strOf(d.Data, "error"),
		ParkedAt: parkedAt,
	}, nil
}

func strOf(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func mapOf(m map[string]any, k string) map[string]any {
	v, _ := m[k].(map[string]any)
	if v == nil {
		return map[string]any{}
	}
	return v
}
