package txn

import (
	"sort"

	"github.com/SimonWaldherr/veloxdb/internal/changeset"
	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/objstore"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// Kind distinguishes a regular transaction from an alignment
// transaction (spec §4.5: schema change, drop, rewind).
type Kind uint8

const (
	KindRegular Kind = iota
	KindAlignmentBegin
	KindAlignmentEnd
	KindRewind
	KindDrop
)

type writeOp struct {
	classID int16
	intent  objstore.WriteIntent
}

type invChange struct {
	classID  int16
	objectID int64
	edge     objstore.InvRefEdge
}

// Transaction accumulates a transaction's staged writes, inverse-ref
// bookkeeping, and per-log-group changesets until Commit or Rollback.
type Transaction struct {
	ID          uint64
	Kind        Kind
	ReadVersion uint64

	mgr            *Manager
	ops            []writeOp
	invAdds        []invChange
	invRemoves     []invChange
	changesets     map[int]*changeset.Writer
	holdsAlignLock bool
	done           bool
}

func propsFor(cls *model.Class) []changeset.PropertyRef {
	props := make([]changeset.PropertyRef, len(cls.Properties))
	for i, p := range cls.Properties {
		props[i] = changeset.PropertyRef{Index: i, Type: p.Type}
	}
	return props
}

func (t *Transaction) writerFor(group int) *changeset.Writer {
	w, ok := t.changesets[group]
	if !ok {
		w = changeset.NewWriter()
		t.changesets[group] = w
	}
	return w
}

func (t *Transaction) class(classID int16) (*model.Class, error) {
	cls, ok := t.mgr.Schema.Classes[classID]
	if !ok || cls.Abstract {
		return nil, verrors.New(verrors.SchemaMismatch, "unknown or abstract class id")
	}
	return cls, nil
}

// Create stages a new object and returns its freshly allocated ID (spec
// §4.2 step 1).
func (t *Transaction) Create(classID int16, values []any) (int64, error) {
	if t.done {
		return 0, verrors.New(verrors.DatabaseDisposed, "transaction already finished")
	}
	cls, err := t.class(classID)
	if err != nil {
		return 0, err
	}
	cs, err := t.mgr.Store.Class(classID)
	if err != nil {
		return 0, err
	}
	id := t.mgr.AllocateObjectID()
	intent := cs.BeginCreate(id, values, t.ID)
	t.ops = append(t.ops, writeOp{classID: classID, intent: intent})

	group := t.mgr.logGroupFor(classID)
	if err := t.writerFor(group).Append(classID, changeset.OpInsert, propsFor(cls), changeset.Row{ObjectID: id, Values: values}); err != nil {
		return 0, err
	}
	t.trackOutgoingReferences(cls, classID, id, nil, values)
	return id, nil
}

// Update stages mutate's result as id's new version (spec §4.2 step 2).
func (t *Transaction) Update(classID int16, id int64, mutate func(old []any) []any) error {
	if t.done {
		return verrors.New(verrors.DatabaseDisposed, "transaction already finished")
	}
	cls, err := t.class(classID)
	if err != nil {
		return err
	}
	cs, err := t.mgr.Store.Class(classID)
	if err != nil {
		return err
	}
	old, ok := cs.Get(id, t.ReadVersion)
	if !ok {
		return verrors.New(verrors.ReferentialIntegrity, "update: object does not exist")
	}
	oldValues := old.Values()
	intent, newValues, err := cs.BeginUpdate(id, t.ReadVersion, mutate, t.ID)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, writeOp{classID: classID, intent: intent})

	group := t.mgr.logGroupFor(classID)
	if err := t.writerFor(group).Append(classID, changeset.OpUpdate, propsFor(cls), changeset.Row{ObjectID: id, Values: newValues}); err != nil {
		return err
	}
	t.trackOutgoingReferences(cls, classID, id, oldValues, newValues)
	return nil
}

// Delete stages a tombstone for id (spec §4.2 step 3) and queues removal
// of the inverse-reference edges id's own reference properties recorded.
// It does not consult any DeleteAction: objects that reference id are
// left unchanged, and a PreventDelete reference does not stop the delete.
func (t *Transaction) Delete(classID int16, id int64) error {
	if t.done {
		return verrors.New(verrors.DatabaseDisposed, "transaction already finished")
	}
	cls, err := t.class(classID)
	if err != nil {
		return err
	}
	cs, err := t.mgr.Store.Class(classID)
	if err != nil {
		return err
	}
	old, ok := cs.Get(id, t.ReadVersion)
	if !ok {
		return verrors.New(verrors.ReferentialIntegrity, "delete: object does not exist")
	}
	intent, err := cs.BeginDelete(id, t.ReadVersion, t.ID)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, writeOp{classID: classID, intent: intent})

	group := t.mgr.logGroupFor(classID)
	if err := t.writerFor(group).Append(classID, changeset.OpDelete, nil, changeset.Row{ObjectID: id}); err != nil {
		return err
	}
	t.trackOutgoingReferences(cls, classID, id, old.Values(), nil)
	return nil
}

// trackOutgoingReferences diffs a reference-typed property's old and
// new values and queues the corresponding inverse-edge Add/Remove
// (spec §4.2 step 4, §3 "inverse-reference entity"). newValues == nil
// models a delete: every outgoing reference is removed and none added.
func (t *Transaction) trackOutgoingReferences(cls *model.Class, classID int16, id int64, oldValues, newValues []any) {
	for i, p := range cls.Properties {
		if p.Type != model.Reference || !p.TrackInverse {
			continue
		}
		var oldRef, newRef *int64
		if oldValues != nil {
			if v, ok := oldValues[i].(int64); ok {
				oldRef = &v
			}
		}
		if newValues != nil {
			if v, ok := newValues[i].(int64); ok {
				newRef = &v
			}
		}
		if oldRef != nil && (newRef == nil || *oldRef != *newRef) {
			t.invRemoves = append(t.invRemoves, invChange{
				classID: p.RefTargetCls, objectID: *oldRef,
				edge: objstore.InvRefEdge{SourceClass: classID, SourceID: id, PropertyID: int(p.ID)},
			})
		}
		if newRef != nil && (oldRef == nil || *oldRef != *newRef) {
			t.invAdds = append(t.invAdds, invChange{
				classID: p.RefTargetCls, objectID: *newRef,
				edge: objstore.InvRefEdge{SourceClass: classID, SourceID: id, PropertyID: int(p.ID)},
			})
		}
	}
}

// Get reads id's values as visible at the transaction's snapshot.
func (t *Transaction) Get(classID int16, id int64) ([]any, bool, error) {
	cs, err := t.mgr.Store.Class(classID)
	if err != nil {
		return nil, false, err
	}
	n, ok := cs.Get(id, t.ReadVersion)
	if !ok {
		return nil, false, nil
	}
	return n.Values(), true, nil
}

// InverseReferencesOf returns every edge currently recorded against
// id's latest version, used to implement the engine's inverse-reference
// navigation operation.
func (t *Transaction) InverseReferencesOf(classID int16, id int64) ([]objstore.InvRefEdge, error) {
	cs, err := t.mgr.Store.Class(classID)
	if err != nil {
		return nil, err
	}
	return cs.InverseRefsOf(id), nil
}

// affectedLogGroups returns the sorted set of log groups this
// transaction wrote to, defaulting to {MasterLogGroup} for an
// empty-write (alignment-only) commit (spec §4.5 step 5).
func (t *Transaction) affectedLogGroups() []int {
	if len(t.changesets) == 0 {
		return []int{model.MasterLogGroup}
	}
	groups := make([]int, 0, len(t.changesets))
	for g := range t.changesets {
		groups = append(groups, g)
	}
	sort.Ints(groups)
	return groups
}

// Commit validates and publishes every staged write under the manager's
// commit lock, assigning one commit version and one LSN per affected
// log group.
func (t *Transaction) Commit() (CommitResult, error) {
	if t.done {
		return CommitResult{}, verrors.New(verrors.DatabaseDisposed, "transaction already finished")
	}
	result, err := t.mgr.commit(t)
	t.finish()
	if err != nil {
		t.abandonAll()
		return CommitResult{}, err
	}
	return result, nil
}

// Rollback discards every staged write without publishing it.
func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.abandonAll()
	t.finish()
}

func (t *Transaction) abandonAll() {
	for _, op := range t.ops {
		if cs, err := t.mgr.Store.Class(op.classID); err == nil {
			cs.Abandon(op.intent)
		}
	}
}

func (t *Transaction) finish() {
	if t.done {
		return
	}
	t.done = true
	t.mgr.unregister(t.ID)
	if t.holdsAlignLock {
		t.mgr.alignLock.Unlock()
	} else {
		t.mgr.alignLock.RUnlock()
	}
}
