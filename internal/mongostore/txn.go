package mongostore

import (
	"context"
	"fmt"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// txn applies tasks inside a transaction; ctx carries the session.
type txn struct {
	ctx      context.Context
	store    *Store
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

// collectionOf names the document collection a task writes to.
func collectionOf(t storage.Task) string {
	switch t := t.(type) {
	case storage.InsertDocument:
		return t.Collection
	case storage.UpsertDocument:
		return t.Collection
	case storage.UpdateDocument:
		return t.Collection
	case storage.UpdateDocuments:
		return t.Collection
	case storage.ReplaceDocument:
		return t.Collection
	case storage.ReplaceDocuments:
		return t.Collection
	case storage.DeleteDocument:
		return t.Collection
	case storage.DeleteDocuments:
		return t.Collection
	}
	return ""
}

// run applies tasks in one transaction and returns the number of documents
// touched by bulk tasks. WithTransaction retries the whole callback on
// transient errors, such as a write conflict on a stream counter.
func (s *Store) run(ctx context.Context, tasks ...storage.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	for _, t := range tasks {
		name := collectionOf(t)
		if name == "" {
			continue
		}
		if err := storage.ValidateCollection(name); err != nil {
			return 0, err
		}
		if err := s.createCollection(ctx, docsCollection(name)); err != nil {
			return 0, err
		}
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	affected := 0
	_, err = sess.WithTransaction(ctx, func(tctx context.Context) (any, error) {
		p := &txn{ctx: tctx, store: s}
		if err := storage.ApplyTasks(tctx, tasks, p); err != nil {
			return nil, err
		}
		affected = p.affected
		return nil, nil //nolint:nilnil // transaction result is unused
	})
	if err != nil {
		s.logger.Debug("mongo commit aborted", "tasks", len(tasks), "error", err)
		return 0, err
	}
	return affected, nil
}

func (p *txn) mutate(m storage.Mutation, collection, id string, data map[string]any, o storage.WriteOptions) error {
	s := p.store
	if err := s.registerCollection(p.ctx, collection); err != nil {
		return err
	}
	current, err := s.getDoc(p.ctx, collection, id)
	if err != nil {
		return err
	}
	next, err := storage.Mutate(m, collection, id, current, data, o)
	if err != nil {
		return err
	}
	return s.writeDoc(p.ctx, collection, next)
}

func (p *txn) mutateMany(m storage.Mutation, collection string, f filter.Filter, data map[string]any) error {
	s := p.store
	docs, err := s.findDocs(p.ctx, collection, f, storage.FindOptions{})
	if err != nil {
		return err
	}
	for i := range docs {
		next, err := storage.Mutate(m, collection, docs[i].ID, &docs[i], data, storage.WriteOptions{})
		if err != nil {
			return err
		}
		if err := s.writeDoc(p.ctx, collection, next); err != nil {
			return err
		}
	}
	p.affected += len(docs)
	return nil
}

func (p *txn) ProcessAppendEvents(t storage.AppendEvents) error {
	return p.store.appendEvents(p.ctx, t)
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
	current, err := p.store.getDoc(p.ctx, t.Collection, t.ID)
	if err != nil {
		return err
	}
	if err := storage.CheckDelete(t.Collection, t.ID, current, t.Options); err != nil {
		return err
	}
	return p.store.deleteDoc(p.ctx, t.Collection, t.ID)
}

func (p *txn) ProcessDeleteDocuments(t storage.DeleteDocuments) error {
	docs, err := p.store.findDocs(p.ctx, t.Collection, t.Filter, storage.FindOptions{})
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := p.store.deleteDoc(p.ctx, t.Collection, d.ID); err != nil {
			return err
		}
	}
	p.affected += len(docs)
	return nil
}
