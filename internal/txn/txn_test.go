package txn

import (
	"testing"
	"time"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/objstore"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

func testSchema() *model.Schema {
	person := &model.Class{
		ID:       1,
		Name:     "Person",
		LogGroup: 0,
		Properties: []model.Property{
			{ID: 0, Name: "Name", Type: model.String},
			{ID: 1, Name: "BestFriend", Type: model.Reference, RefTargetCls: 1, TrackInverse: true},
		},
	}
	return &model.Schema{
		Classes:   map[int16]*model.Class{1: person},
		LogGroups: []string{"master"},
	}
}

func newManager() *Manager {
	schema := testSchema()
	store := objstore.NewStore(schema)
	return NewManager(store, schema)
}

func TestCreateCommitVisible(t *testing.T) {
	mgr := newManager()
	tx := mgr.Begin()
	id, err := tx.Create(1, []any{"Ada", nil})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	result, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Version == 0 {
		t.Fatalf("expected a nonzero commit version")
	}
	if len(result.LogGroups) != 1 || result.LogGroups[0] != 0 {
		t.Fatalf("expected write to land in log group 0, got %v", result.LogGroups)
	}

	read := mgr.Begin()
	values, ok, err := read.Get(1, id)
	if err != nil || !ok {
		t.Fatalf("expected committed object visible: ok=%v err=%v", ok, err)
	}
	if values[0] != "Ada" {
		t.Fatalf("unexpected values: %v", values)
	}
	read.Rollback()
}

func TestUpdateConflictFirstCommitWins(t *testing.T) {
	mgr := newManager()
	setup := mgr.Begin()
	id, _ := setup.Create(1, []any{"Ada", nil})
	setup.Commit()

	a := mgr.Begin()
	b := mgr.Begin()
	if err := a.Update(1, id, func(old []any) []any { return []any{"Ada A", old[1]} }); err != nil {
		t.Fatalf("a update: %v", err)
	}
	if err := b.Update(1, id, func(old []any) []any { return []any{"Ada B", old[1]} }); err != nil {
		t.Fatalf("b update: %v", err)
	}
	if _, err := a.Commit(); err != nil {
		t.Fatalf("a commit should win: %v", err)
	}
	if _, err := b.Commit(); err == nil {
		t.Fatalf("b commit should lose to the conflict")
	} else if k, _ := verrors.As(err); k != verrors.Conflict {
		t.Fatalf("expected Conflict, got %v", k)
	}

	read := mgr.Begin()
	values, _, _ := read.Get(1, id)
	if values[0] != "Ada A" {
		t.Fatalf("expected a's update to have won, got %v", values)
	}
	read.Rollback()
}

func TestDeleteTracksInverseReferenceRemoval(t *testing.T) {
	mgr := newManager()
	setup := mgr.Begin()
	aliceID, _ := setup.Create(1, []any{"Alice", nil})
	bobID, err := setup.Create(1, []any{"Bob", aliceID})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if _, err := setup.Commit(); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	check := mgr.Begin()
	edges, err := check.InverseReferencesOf(1, aliceID)
	if err != nil || len(edges) != 1 || edges[0].SourceID != bobID {
		t.Fatalf("expected bob's reference recorded against alice, got %v err=%v", edges, err)
	}
	check.Rollback()

	del := mgr.Begin()
	if err := del.Delete(1, bobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := del.Commit(); err != nil {
		t.Fatalf("delete commit: %v", err)
	}

	after := mgr.Begin()
	edges, _ = after.InverseReferencesOf(1, aliceID)
	if len(edges) != 0 {
		t.Fatalf("expected inverse reference removed after bob's delete, got %v", edges)
	}
	after.Rollback()
}

func TestRollbackDiscardsWrites(t *testing.T) {
	mgr := newManager()
	tx := mgr.Begin()
	id, _ := tx.Create(1, []any{"Ghost", nil})
	tx.Rollback()

	read := mgr.Begin()
	_, ok, _ := read.Get(1, id)
	if ok {
		t.Fatalf("rolled-back create must not be visible")
	}
	read.Rollback()
}

func TestAlignmentTransactionBlocksUntilRegularFinishes(t *testing.T) {
	mgr := newManager()
	regular := mgr.Begin()

	done := make(chan struct{})
	go func() {
		align := mgr.BeginAlignment(KindRewind)
		align.Rollback()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("alignment transaction should not proceed while a regular transaction is open")
	default:
	}

	regular.Rollback()
	<-done
}
