package store

import (
	"context"
	"fmt"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// txn applies tasks inside one sql.Tx.
type txn struct {
	ctx      context.Context
	tx       querier
	affected int
}

var _ storage.TaskProcessor = (*txn)(nil)

// BeginSession returns an empty session.
func (s *Store) BeginSession() *storage.Session { return storage.NewSession() }

// CommitSession applies the session's tasks in one transaction.
func (s *Store) CommitSession(ctx context.Context, sess *storage.Session) error {
	tasks, err := sess.Seal()
	if err != nil {
		return err
	}
	_, err = s.run(ctx, tasks...)
	return err
}

// run applies tasks in a transaction and returns the number of documents
// touched by bulk tasks.
func (s *Store) run(ctx context.Context, tasks ...storage.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	p := &txn{ctx: ctx, tx: tx}
	if err := storage.ApplyTasks(ctx, tasks, p); err != nil {
		s.logger.Debug("sqlite commit rolled back", "tasks", len(tasks), "error", err)
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return p.affected, nil
}

func (p *txn) mutate(m storage.Mutation, collection, id string, data map[string]any, o storage.WriteOptions) error {
	if err := ensureCollection(p.ctx, p.tx, collection); err != nil {
		return err
	}
	current, err := getDoc(p.ctx, p.tx, collection, id)
	if err != nil {
		return err
	}
	next, err := storage.Mutate(m, collection, id, current, data, o)
	if err != nil {
		return err
	}
	return writeDoc(p.ctx, p.tx, collection, next)
}

func (p *txn) matching(collection string, f filter.Filter) ([]storage.Document, error) {
	if err := storage.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := filter.Validate(f); err != nil {
		return nil, err
	}
	return findDocs(p.ctx, p.tx, collection, f, storage.FindOptions{})
}

func (p *txn) mutateMany(m storage.Mutation, collection string, f filter.Filter, data map[string]any) error {
	docs, err := p.matching(collection, f)
	if err != nil {
		return err
	}
	for i := range docs {
		next, err := storage.Mutate(m, collection, docs[i].ID, &docs[i], data, storage.WriteOptions{})
		if err != nil {
			return err
		}
		if err := writeDoc(p.ctx, p.tx, collection, next); err != nil {
			return err
		}
	}
	p.affected += len(docs)
	return nil
}

func (p *txn) ProcessAppendEvents(t storage.AppendEvents) error {
	return appendEvents(p.ctx, p.tx, t)
}

func (p *txn) ProcessInsertDocument(t storage.InsertDocument) error {
	return p.mutate(storage.MutationInsert, t.Collection, t.ID, t.Data, t.Options)
}

func (p *txn) ProcessUpsertDocument(t storage.UpsertDocument) error {
	return p.mutate(storage.MutationUpsert, t.Collection, t.ID, t.Data, t.Options)
}

func (p *txn) ProcessUpdateDocument(t storage.UpdateDocument) error {
	return p.mutate(storage.MutationUpdate, t.Collection, t.ID, t.Patch, t.Options)
}

func (p *txn) ProcessReplaceDocument(t storage.ReplaceDocument) error {
	return p.mutate(storage.MutationReplace, t.Collection, t.ID, t.Data, t.Options)
}

func (p *txn) ProcessUpdateDocuments(t storage.UpdateDocuments) error {
	return p.mutateMany(storage.MutationUpdate, t.Collection, t.Filter, t.Patch)
}

func (p *txn) ProcessReplaceDocuments(t storage.ReplaceDocuments) error {
	return p.mutateMany(storage.MutationReplace, t.Collection, t.Filter, t.Data)
}

func (p *txn) ProcessDeleteDocument(t storage.DeleteDocument) error {
	if err := storage.ValidateCollection(t.Collection); err != nil {
		return err
	}
	current, err := getDoc(p.ctx, p.tx, t.Collection, t.ID)
	if err != nil {
		return err
	}
	if err := storage.CheckDelete(t.Collection, t.ID, current, t.Options); err != nil {
		return err
	}
	return deleteDoc(p.ctx, p.tx, t.Collection, t.ID)
}

func (p *txn) ProcessDeleteDocuments(t storage.DeleteDocuments) error {
	docs, err := p.matching(t.Collection, t.Filter)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := deleteDoc(p.ctx, p.tx, t.Collection, d.ID); err != nil {
			return err
		}
	}
	p.affected += len(docs)
	return nil
}
