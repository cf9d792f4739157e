package engine

import (
	"context"

	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// Replay re-delivers the events of stream selected by matcher to the
// dispatcher in position order and returns how many were delivered.
//
// Replay is the same code path as live delivery: each event runs every
// registered policy with its own session. Policies are expected to be
// idempotent (projections upsert by id), so replaying a stream into existing
// read models converges on the same documents. Commands triggered during
// replay are queued like any other; callers that only rebuild read models
// should register projections alone.
//
// The first event whose policies fail stops the replay.
func (e *Engine) Replay(ctx context.Context, stream string, matcher storage.MetadataMatcher) (int, error) {
	n, err := storage.Republish(ctx, e.dispatcher.store.Events(), stream, matcher, storage.DefaultPageSize,
		func(ctx context.Context, ev message.Event) error {
			return e.dispatcher.On(ctx, ev)
		})
	if err != nil {
		return n, err
	}
	e.logger.Info("stream replayed", "stream", stream, "events", n)
	return n, nil
}
