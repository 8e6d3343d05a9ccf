package schemamodel

import (
	"context"
	"fmt"
)

// Save writes dirty attributes and flushes staged relationship changes.
//
// A clean model skips the row write but still flushes; a clean transient
// model has nothing to insert and is a StateError. When the row had no
// identifier the storage-assigned one is read back and assigned. The
// relationship flush is not atomic unless the type was built WithAtomicSave
// and its table implements Transactor; see FlushError.
func (m *Model) Save(ctx context.Context) (*Model, error) {
	if m.deleted {
		return nil, m.deletedError()
	}
	if err := m.inTransaction(ctx, m.save); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) save(ctx context.Context) error {
	log := m.modelType.log()
	table := m.modelType.table

	if m.PrimaryValue() == nil && !m.attributes.IsDirty() {
		return NewStateError(ErrCodeMissingPrimaryValue, "transient model has no attributes to write").
			WithModel(m.modelType.name)
	}

	if m.attributes.IsDirty() {
		hadPrimary := m.PrimaryValue() != nil
		row := m.rowForWrite(hadPrimary)

		ok, err := table.Upsert(ctx, row)
		if err != nil {
			return NewPersistenceError(ErrCodeSaveFailed, "upsert failed", err).WithModel(m.modelType.name)
		}
		if !ok {
			return NewPersistenceError(ErrCodeSaveFailed, "storage reported the upsert as failed", nil).
				WithModel(m.modelType.name)
		}

		if !hadPrimary {
			id, err := table.LastInsertID(ctx)
			if err != nil {
				return NewPersistenceError(ErrCodeSaveFailed, "failed to read the generated identifier", err).
					WithModel(m.modelType.name)
			}
			if err := m.assignPrimary(id); err != nil {
				return err
			}
		}
		log.Debugw("model row written", "model", m.modelType.name, "id", m.PrimaryValue(), "dirty", m.attributes.DirtyKeys())
	} else {
		log.Debugw("model clean, row write skipped", "model", m.modelType.name, "id", m.PrimaryValue())
	}

	m.attributes.CommitChanges()
	return m.flush(ctx)
}

// rowForWrite returns the attribute map sent to Upsert. Unset identifiers and
// nil values of non-nullable defaulted columns are left to storage.
func (m *Model) rowForWrite(hadPrimary bool) Row {
	row := m.attributes.Row()
	if !hadPrimary {
		delete(row, m.meta.primaryColumn)
	}
	for name, v := range row {
		def := m.meta.properties[name]
		if v == nil && def.HasDefault() && !def.Nullable() {
			delete(row, name)
		}
	}
	return row
}

func (m *Model) assignPrimary(id any) error {
	if isAbsentPrimary(id) {
		return NewPersistenceError(ErrCodeSaveFailed, "storage returned no identifier", nil).WithModel(m.modelType.name)
	}
	def := m.meta.properties[m.meta.primaryColumn]
	if prepared, err := def.Prepare(id); err == nil {
		id = prepared
	} else if normalized, nerr := NormalizeID(id); nerr == nil {
		id = normalized
	}
	m.attributes.assign(m.meta.primaryColumn, id)
	return nil
}

// flush reconciles staged membership with storage, relationship by
// relationship in declaration order. Staged inserts first delete matching
// rows for this owner so membership rows are never duplicated. A
// relationship's staging is cleared only once all of its writes succeeded.
func (m *Model) flush(ctx context.Context) error {
	if !m.tracker.HasPending() {
		return nil
	}
	ownerID := m.PrimaryValue()
	if ownerID == nil {
		return NewStateError(ErrCodeMissingPrimaryValue, "relationship changes staged on a model without an identifier").
			WithModel(m.modelType.name)
	}

	log := m.modelType.log()
	var completed []string
	for _, rel := range m.meta.relationships.All() {
		def := rel.Definition()
		crud, ok := rel.(CRUDRelationship)
		if !ok || !def.SupportsCRUD() {
			continue
		}
		key := def.Key()
		pending := m.tracker.Pending(key)
		if pending.IsEmpty() {
			continue
		}

		step, err := flushRelationship(ctx, crud, ownerID, pending)
		if err != nil {
			log.Warnw("relationship flush stopped part way",
				"model", m.modelType.name, "id", ownerID, "relationship", key, "step", step,
				"completed", completed, "error", err)
			return &FlushError{
				Model:     m.modelType.name,
				Completed: completed,
				Failed:    key,
				Step:      step,
				Cause:     err,
			}
		}

		m.tracker.Clear(key)
		completed = append(completed, key)
		log.Debugw("relationship flushed", "model", m.modelType.name, "id", ownerID, "relationship", key,
			"inserted", len(pending.Insert), "deleted", len(pending.Delete))
	}
	return nil
}

func flushRelationship(ctx context.Context, crud CRUDRelationship, ownerID any, pending PendingChange) (FlushStep, error) {
	if len(pending.Insert) > 0 {
		if err := crud.DeleteRelationshipData(ctx, ownerID, pending.Insert); err != nil {
			return FlushStepDeleteBeforeInsert, err
		}
		if err := crud.InsertRelationshipData(ctx, ownerID, pending.Insert); err != nil {
			return FlushStepInsert, err
		}
	}
	if len(pending.Delete) > 0 {
		if err := crud.DeleteRelationshipData(ctx, ownerID, pending.Delete); err != nil {
			return FlushStepDelete, err
		}
	}
	return "", nil
}

// Delete removes every relationship's membership rows and then the model's
// row. It reports whether the row deletion succeeded; on success the model
// is terminal.
func (m *Model) Delete(ctx context.Context) (bool, error) {
	if m.deleted {
		return false, m.deletedError()
	}
	id := m.PrimaryValue()
	if id == nil {
		return false, NewStateError(ErrCodeMissingPrimaryValue, "cannot delete a model without an identifier").
			WithModel(m.modelType.name)
	}

	var removed bool
	err := m.inTransaction(ctx, func(ctx context.Context) error {
		for _, rel := range m.meta.relationships.All() {
			crud, ok := rel.(CRUDRelationship)
			if !ok || !rel.Definition().SupportsCRUD() {
				continue
			}
			if err := crud.DeleteAllRelationshipData(ctx, id); err != nil {
				return NewPersistenceError(ErrCodeDeleteFailed, "failed to delete relationship rows", err).
					WithModel(m.modelType.name).WithField(rel.Definition().Key())
			}
		}

		ok, err := m.modelType.table.DeleteRow(ctx, id)
		if err != nil {
			return NewPersistenceError(ErrCodeDeleteFailed, fmt.Sprintf("failed to delete row %v", id), err).
				WithModel(m.modelType.name)
		}
		removed = ok
		return nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		m.deleted = true
		clear(m.handles)
		m.tracker = NewChangeTracker()
	}
	m.modelType.log().Debugw("model deleted", "model", m.modelType.name, "id", id, "removed", removed)
	return removed, nil
}

type modelSnapshot struct {
	attributes attributeSnapshot
	pending    map[string]PendingChange
	handles    map[string]relationshipHandle
}

func (m *Model) snapshot() modelSnapshot {
	handles := make(map[string]relationshipHandle, len(m.handles))
	for k, h := range m.handles {
		handles[k] = *h
	}
	return modelSnapshot{
		attributes: m.attributes.snapshot(),
		pending:    m.tracker.snapshot(),
		handles:    handles,
	}
}

func (m *Model) restore(snap modelSnapshot) {
	m.attributes.restore(snap.attributes)
	m.tracker.restore(snap.pending)
	m.handles = make(map[string]*relationshipHandle, len(snap.handles))
	for k, h := range snap.handles {
		m.handles[k] = &h
	}
}

// inTransaction runs fn inside a storage transaction when the type opted
// into atomic saves and the table supports it. The model's in-memory state
// is restored when the transaction fails.
func (m *Model) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, ok := m.modelType.table.(Transactor)
	if !m.modelType.atomicSave || !ok {
		return fn(ctx)
	}

	snap := m.snapshot()
	if err := tx.InTx(ctx, fn); err != nil {
		m.restore(snap)
		m.modelType.log().Warnw("transaction rolled back", "model", m.modelType.name, "error", err)
		return err
	}
	return nil
}
