package memstore

import (
	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// txn applies tasks to a locked Store and journals an undo step for every
// change. The caller holds s.mu for the txn's lifetime.
type txn struct {
	store    *Store
	undo     []func()
	affected int
}

var _ storage.TaskProcessor = (*txn)(nil)

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *txn) collection(name string) (*collection, error) {
	if err := storage.ValidateCollection(name); err != nil {
		return nil, err
	}
	s := tx.store
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c := newCollection()
	s.collections[name] = c
	tx.undo = append(tx.undo, func() { delete(s.collections, name) })
	return c, nil
}

func (tx *txn) current(c *collection, id string) *storage.Document {
	if d, ok := c.docs[id]; ok {
		return &d
	}
	return nil
}

func (tx *txn) put(name string, c *collection, doc storage.Document) error {
	if err := checkUnique(name, c, doc); err != nil {
		return err
	}
	prev, existed := c.docs[doc.ID]
	c.docs[doc.ID] = doc
	tx.undo = append(tx.undo, func() {
		if existed {
			c.docs[doc.ID] = prev
		} else {
			delete(c.docs, doc.ID)
		}
	})
	return nil
}

func (tx *txn) remove(c *collection, id string) {
	prev, existed := c.docs[id]
	if !existed {
		return
	}
	delete(c.docs, id)
	tx.undo = append(tx.undo, func() { c.docs[id] = prev })
}

func (tx *txn) mutate(m storage.Mutation, name, id string, data map[string]any, o storage.WriteOptions) error {
	c, err := tx.collection(name)
	if err != nil {
		return err
	}
	next, err := storage.Mutate(m, name, id, tx.current(c, id), data, o)
	if err != nil {
		return err
	}
	return tx.put(name, c, next)
}

// matching returns the ids of documents in name matching f, in id order.
// A missing collection yields no ids.
func (tx *txn) matching(name string, f filter.Filter) ([]string, error) {
	if err := filter.Validate(f); err != nil {
		return nil, err
	}
	c, ok := tx.store.collections[name]
	if !ok {
		return nil, nil
	}
	var ids []string
	for _, id := range sortedIDs(c.docs) {
		ok, err := filter.Match(f, id, c.docs[id].Data)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (tx *txn) mutateMany(m storage.Mutation, name string, f filter.Filter, data map[string]any) error {
	ids, err := tx.matching(name, f)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := tx.mutate(m, name, id, data, storage.WriteOptions{}); err != nil {
			return err
		}
	}
	tx.affected += len(ids)
	return nil
}

func (tx *txn) ProcessAppendEvents(t storage.AppendEvents) error {
	if err := storage.ValidateAppend(t.Stream, t.Events, t.Options); err != nil {
		return err
	}
	s := tx.store
	existing := s.streams[t.Stream]

	if t.Options.ExpectedVersion != nil {
		current, err := countMatching(existing, t.Options.Matcher)
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

	appended := make([]message.Event, 0, len(t.Events))
	for i, ev := range t.Events {
		if other, dup := s.uuids[ev.UUID]; dup {
			return errs.Duplicate("event %s already exists in stream %s", ev.UUID, other)
		}
		stored, err := normalizeEvent(ev)
		if err != nil {
			return err
		}
		stored.Position = int64(len(existing) + i + 1)
		appended = append(appended, stored)
	}

	_, hadStream := s.streams[t.Stream]
	s.streams[t.Stream] = append(existing[:len(existing):len(existing)], appended...)
	for _, ev := range appended {
		s.uuids[ev.UUID] = t.Stream
	}
	tx.undo = append(tx.undo, func() {
		if hadStream {
			s.streams[t.Stream] = existing
		} else {
			delete(s.streams, t.Stream)
		}
		for _, ev := range appended {
			delete(s.uuids, ev.UUID)
		}
	})
	return nil
}

func (tx *txn) ProcessInsertDocument(t storage.InsertDocument) error {
	return tx.mutate(storage.MutationInsert, t.Collection, t.ID, t.Data, t.Options)
}

func (tx *txn) ProcessUpsertDocument(t storage.UpsertDocument) error {
	return tx.mutate(storage.MutationUpsert, t.Collection, t.ID, t.Data, t.Options)
}

func (tx *txn) ProcessUpdateDocument(t storage.UpdateDocument) error {
	return tx.mutate(storage.MutationUpdate, t.Collection, t.ID, t.Patch, t.Options)
}

func (tx *txn) ProcessReplaceDocument(t storage.ReplaceDocument) error {
	return tx.mutate(storage.MutationReplace, t.Collection, t.ID, t.Data, t.Options)
}

func (tx *txn) ProcessUpdateDocuments(t storage.UpdateDocuments) error {
	return tx.mutateMany(storage.MutationUpdate, t.Collection, t.Filter, t.Patch)
}

func (tx *txn) ProcessReplaceDocuments(t storage.ReplaceDocuments) error {
	return tx.mutateMany(storage.MutationReplace, t.Collection, t.Filter, t.Data)
}

func (tx *txn) ProcessDeleteDocument(t storage.DeleteDocument) error {
	if err := storage.ValidateCollection(t.Collection); err != nil {
		return err
	}
	var current *storage.Document
	c, ok := tx.store.collections[t.Collection]
	if ok {
		current = tx.current(c, t.ID)
	}
	if err := storage.CheckDelete(t.Collection, t.ID, current, t.Options); err != nil {
		return err
	}
	tx.remove(c, t.ID)
	return nil
}

func (tx *txn) ProcessDeleteDocuments(t storage.DeleteDocuments) error {
	ids, err := tx.matching(t.Collection, t.Filter)
	if err != nil {
		return err
	}
	c := tx.store.collections[t.Collection]
	for _, id := range ids {
		tx.remove(c, id)
	}
	tx.affected += len(ids)
	return nil
}

func normalizeEvent(ev message.Event) (message.Event, error) {
	payload, err := canon.NormalizeMap(ev.Payload)
	if err != nil {
		return message.Event{}, errs.Wrap(errs.CodeValidation, err, "event %s payload", ev.UUID)
	}
	meta, err := canon.NormalizeMap(ev.Meta)
	if err != nil {
		return message.Event{}, errs.Wrap(errs.CodeValidation, err, "event %s meta", ev.UUID)
	}
	ev.Payload = payload
	ev.Meta = meta
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func countMatching(events []message.Event, m storage.MetadataMatcher) (int64, error) {
	if len(m) == 0 {
		return int64(len(events)), nil
	}
	var n int64
	for _, ev := range events {
		ok, err := m.Matches(ev.Meta)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// checkUnique rejects doc when it collides with another document on a
// unique index. Documents missing an indexed field, or holding null there,
// are not indexed.
func checkUnique(name string, c *collection, doc storage.Document) error {
	for _, idx := range c.indexes {
		if !idx.Unique() {
			continue
		}
		key, ok := indexKey(idx, doc)
		if !ok {
			continue
		}
		for id, other := range c.docs {
			if id == doc.ID {
				continue
			}
			otherKey, ok := indexKey(idx, other)
			if ok && canon.Equal(key, otherKey) {
				return errs.Duplicate("document %s/%s: unique index %s collides with %s", name, doc.ID, idx.Name(), id)
			}
		}
	}
	return nil
}

// keyer extracts index keys through filter.IndexProcessor.
type keyer struct {
	doc storage.Document
	key []any
	ok  bool
}

func (k *keyer) fields(source map[string]any, fields []string) {
	k.key = make([]any, 0, len(fields))
	for _, f := range fields {
		v, ok := canon.GetPath(source, f)
		if !ok || v == nil {
			k.ok = false
			return
		}
		k.key = append(k.key, v)
	}
	k.ok = true
}

func (k *keyer) ProcessFieldIndex(i *filter.FieldIndex) error {
	k.fields(k.doc.Data, i.Fields())
	return nil
}

func (k *keyer) ProcessMultiFieldIndex(i *filter.MultiFieldIndex) error {
	k.fields(k.doc.Data, i.Fields())
	return nil
}

func (k *keyer) ProcessMetaFieldIndex(i *filter.MetaFieldIndex) error {
	k.fields(k.doc.Metadata, i.Fields())
	return nil
}

func indexKey(idx filter.Index, doc storage.Document) ([]any, bool) {
	k := &keyer{doc: doc}
	_ = idx.ProcessWith(k)
	return k.key, k.ok
}
