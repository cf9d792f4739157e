package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/querysql"
	"github.com/roach88/rulebox/internal/storage"
)

func scanEvent(scan func(dest ...any) error) (message.Event, error) {
	var (
		ev                       message.Event
		payload, meta, createdAt string
	)
	if err := scan(&ev.Position, &ev.UUID, &ev.Name, &payload, &meta, &createdAt); err != nil {
		return message.Event{}, err
	}
	var err error
	if ev.Payload, err = unmarshalJSON("payload", payload); err != nil {
		return message.Event{}, err
	}
	if ev.Meta, err = unmarshalJSON("meta", meta); err != nil {
		return message.Event{}, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return message.Event{}, err
	}
	return ev, nil
}

func version(ctx context.Context, q querier, stream string, m storage.MetadataMatcher) (int64, error) {
	query, args, err := querysql.CompileVersion(stream, m)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("version of %s: %w", stream, err)
	}
	return n, nil
}

func lastPosition(ctx context.Context, q querier, stream string) (int64, error) {
	var pos int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events WHERE stream = ?`, stream).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("last position of %s: %w", stream, err)
	}
	return pos, nil
}

// appendEvents writes events after the stream's last position. The caller
// owns the transaction.
func appendEvents(ctx context.Context, q querier, t storage.AppendEvents) error {
	if err := storage.ValidateAppend(t.Stream, t.Events, t.Options); err != nil {
		return err
	}
	if t.Options.ExpectedVersion != nil {
		current, err := version(ctx, q, t.Stream, t.Options.Matcher)
		if err != nil {
			return err
		}
		if err := t.Options.CheckVersion(t.Stream, current); err != nil {
			return err
		}
	}
	if len(t.Events) == 0 {
		return nil
	}

	pos, err := lastPosition(ctx, q, t.Stream)
	if err != nil {
		return err
	}
	for _, ev := range t.Events {
		payload, err := marshalJSON("payload of event "+ev.UUID, ev.Payload)
		if err != nil {
			return err
		}
		meta, err := marshalJSON("meta of event "+ev.UUID, ev.Meta)
		if err != nil {
			return err
		}
		pos++
		_, err = q.ExecContext(ctx, `
			INSERT INTO events (stream, position, uuid, name, payload, meta, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.Stream, pos, ev.UUID, ev.Name, payload, meta, formatTime(ev.CreatedAt))
		if err != nil {
			return mapWriteError(err, "append event %s to %s", ev.UUID, t.Stream)
		}
	}
	return nil
}

// AppendTo implements storage.EventStore.
func (s *Store) AppendTo(ctx context.Context, stream string, events []message.Event, opts ...storage.AppendOption) error {
	_, err := s.run(ctx, storage.AppendEvents{Stream: stream, Events: events, Options: storage.ResolveAppendOptions(opts)})
	return err
}

// Load implements storage.EventStore.
func (s *Store) Load(ctx context.Context, stream string, opts storage.LoadOptions) ([]message.Event, error) {
	if err := storage.ValidateStream(stream); err != nil {
		return nil, err
	}
	after := opts.FromPosition
	if opts.FromEventID != "" {
		err := s.db.QueryRowContext(ctx, `SELECT position FROM events WHERE stream = ? AND uuid = ?`, stream, opts.FromEventID).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("event %s not found in stream %s", opts.FromEventID, stream)
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", stream, err)
		}
	}

	query, args, err := querysql.CompileLoad(querysql.EventQuery{
		Stream:  stream,
		Matcher: opts.Matcher,
		After:   after,
		Limit:   opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, err)
	}
	defer rows.Close()

	events := []message.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", stream, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, err)
	}
	return events, nil
}

// LoadEventStream implements storage.EventStore.
func (s *Store) LoadEventStream(ctx context.Context, stream string, matcher storage.MetadataMatcher) ([]message.Event, error) {
	return s.Load(ctx, stream, storage.LoadOptions{Matcher: matcher})
}

// Version implements storage.EventStore.
func (s *Store) Version(ctx context.Context, stream string, matcher storage.MetadataMatcher) (int64, error) {
	if err := storage.ValidateStream(stream); err != nil {
		return 0, err
	}
	return version(ctx, s.db, stream, matcher)
}

// Streams implements storage.EventStore.
func (s *Store) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream FROM events ORDER BY stream ASC`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	streams := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list streams: %w", err)
		}
		streams = append(streams, name)
	}
	return streams, rows.Err()
}
