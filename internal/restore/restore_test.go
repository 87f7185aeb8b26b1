package restore

import (
	"testing"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/objstore"
	"github.com/SimonWaldherr/veloxdb/internal/txn"
	"github.com/SimonWaldherr/veloxdb/internal/wal"
)

func twoGroupSchema() *model.Schema {
	person := &model.Class{
		ID:       1,
		Name:     "Person",
		LogGroup: 0,
		Properties: []model.Property{
			{ID: 0, Name: "Name", Type: model.String},
		},
	}
	order := &model.Class{
		ID:       2,
		Name:     "Order",
		LogGroup: 1,
		Properties: []model.Property{
			{ID: 0, Name: "Customer", Type: model.Reference, RefTargetCls: 1},
			{ID: 1, Name: "Total", Type: model.Int},
		},
	}
	return &model.Schema{
		Classes:   map[int16]*model.Class{1: person, 2: order},
		LogGroups: []string{"customers", "orders"},
	}
}

func TestFromDirRoundTripAcrossLogGroups(t *testing.T) {
	schema := twoGroupSchema()
	store := objstore.NewStore(schema)
	mgr := txn.NewManager(store, schema)
	dir := t.TempDir()
	gs, err := wal.OpenGroupSet(dir, schema, 0)
	if err != nil {
		t.Fatalf("open group set: %v", err)
	}

	tx := mgr.Begin()
	aliceID, err := tx.Create(1, []any{"Alice"})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	result, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit person: %v", err)
	}
	if err := gs.Commit(result); err != nil {
		t.Fatalf("wal commit: %v", err)
	}

	tx2 := mgr.Begin()
	if _, err := tx2.Create(2, []any{aliceID, int32(42)}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	result2, err := tx2.Commit()
	if err != nil {
		t.Fatalf("commit order: %v", err)
	}
	if err := gs.Commit(result2); err != nil {
		t.Fatalf("wal commit 2: %v", err)
	}

	tx3 := mgr.Begin()
	aliceAgain, _, _ := tx3.Get(1, aliceID)
	_ = aliceAgain
	if err := tx3.Update(1, aliceID, func(old []any) []any { return []any{"Alice Updated"} }); err != nil {
		t.Fatalf("update person: %v", err)
	}
	result3, err := tx3.Commit()
	if err != nil {
		t.Fatalf("commit update: %v", err)
	}
	if err := gs.Commit(result3); err != nil {
		t.Fatalf("wal commit 3: %v", err)
	}

	if err := gs.Close(); err != nil {
		t.Fatalf("close group set: %v", err)
	}

	res, err := FromDir(dir, schema)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(res.SkippedIncomplete) != 0 {
		t.Fatalf("unexpected incomplete transactions: %v", res.SkippedIncomplete)
	}
	if res.Version != result3.Version {
		t.Fatalf("expected restored version %d, got %d", result3.Version, res.Version)
	}

	personCS, err := res.Store.Class(1)
	if err != nil {
		t.Fatalf("person class: %v", err)
	}
	n, ok := personCS.Get(aliceID, res.Version)
	if !ok {
		t.Fatalf("expected alice restored")
	}
	if n.Values()[0] != "Alice Updated" {
		t.Fatalf("expected updated name, got %v", n.Values())
	}

	orderCS, err := res.Store.Class(2)
	if err != nil {
		t.Fatalf("order class: %v", err)
	}
	if orderCS.Count() != 1 {
		t.Fatalf("expected 1 restored order, got %d", orderCS.Count())
	}
}

func TestFromDirEmptyDirProducesEmptyStore(t *testing.T) {
	schema := twoGroupSchema()
	dir := t.TempDir()
	gs, err := wal.OpenGroupSet(dir, schema, 0)
	if err != nil {
		t.Fatalf("open group set: %v", err)
	}
	if err := gs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := FromDir(dir, schema)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Version != 0 {
		t.Fatalf("expected version 0, got %d", res.Version)
	}
	personCS, _ := res.Store.Class(1)
	if personCS.Count() != 0 {
		t.Fatalf("expected no objects")
	}
}
