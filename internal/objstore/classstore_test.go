package objstore

import (
	"testing"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

func testClass() *model.Class {
	return &model.Class{
		ID:   1,
		Name: "Person",
		Properties: []model.Property{
			{ID: 0, Name: "Name", Type: model.String},
			{ID: 1, Name: "Age", Type: model.Int},
		},
	}
}

func TestCreateThenGetVisibility(t *testing.T) {
	cs := NewClassStore(testClass(), 2)

	intent := cs.BeginCreate(1, []any{"Ada", int32(30)}, 7)
	if _, ok := cs.Get(1, 10); ok {
		t.Fatalf("uncommitted create must not be visible")
	}
	if err := cs.Validate(intent); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cs.Publish(intent, 5)

	if _, ok := cs.Get(1, 4); ok {
		t.Fatalf("object must not be visible before its commit version")
	}
	n, ok := cs.Get(1, 5)
	if !ok {
		t.Fatalf("object must be visible at its own commit version")
	}
	if n.Values()[0] != "Ada" {
		t.Fatalf("unexpected value: %v", n.Values())
	}
}

func TestUpdateConflictOnStaleRead(t *testing.T) {
	cs := NewClassStore(testClass(), 2)
	c := cs.BeginCreate(1, []any{"Ada", int32(30)}, 1)
	cs.Publish(c, 1)

	// Two transactions both read at version 1, race to update.
	ours, _, err := cs.BeginUpdate(1, 1, func(old []any) []any { return []any{old[0], int32(31)} }, 2)
	if err != nil {
		t.Fatalf("first update should stage cleanly: %v", err)
	}
	theirs, _, err := cs.BeginUpdate(1, 1, func(old []any) []any { return []any{old[0], int32(32)} }, 3)
	if err != nil {
		t.Fatalf("second update should also stage (conflict detected at commit, not stage time): %v", err)
	}

	if err := cs.Validate(ours); err != nil {
		t.Fatalf("first committer should validate cleanly: %v", err)
	}
	cs.Publish(ours, 2)

	if err := cs.Validate(theirs); err == nil {
		t.Fatalf("second committer must see a conflict")
	} else if k, _ := verrors.As(err); k != verrors.Conflict {
		t.Fatalf("expected Conflict kind, got %v", k)
	}
	cs.Abandon(theirs)

	n, _ := cs.Get(1, 2)
	if n.Values()[1] != int32(31) {
		t.Fatalf("winning update not visible: %v", n.Values())
	}
}

func TestUpdateAgainstNewerVersionIsRejectedEarly(t *testing.T) {
	cs := NewClassStore(testClass(), 2)
	c := cs.BeginCreate(1, []any{"Ada", int32(30)}, 1)
	cs.Publish(c, 1)
	u, _, _ := cs.BeginUpdate(1, 1, func(old []any) []any { return old }, 2)
	cs.Publish(u, 2)

	if _, _, err := cs.BeginUpdate(1, 1, func(old []any) []any { return old }, 3); err == nil {
		t.Fatalf("update against a stale read-version should fail immediately")
	}
}

func TestDeleteThenGetNotVisible(t *testing.T) {
	cs := NewClassStore(testClass(), 2)
	c := cs.BeginCreate(1, []any{"Ada", int32(30)}, 1)
	cs.Publish(c, 1)

	d, err := cs.BeginDelete(1, 1, 2)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	cs.Publish(d, 2)

	if _, ok := cs.Get(1, 2); ok {
		t.Fatalf("deleted object must not be visible at or after its tombstone version")
	}
	if _, ok := cs.Get(1, 1); !ok {
		t.Fatalf("object must still be visible to a reader whose snapshot predates the delete")
	}
}

func TestInverseRefRoundTrip(t *testing.T) {
	cs := NewClassStore(testClass(), 2)
	c := cs.BeginCreate(1, []any{"Ada", int32(30)}, 1)
	cs.Publish(c, 1)

	edge := InvRefEdge{SourceClass: 2, SourceID: 99, PropertyID: 3}
	cs.AddInverseRef(1, edge)
	edges := cs.InverseRefsOf(1)
	if len(edges) != 1 || edges[0] != edge {
		t.Fatalf("expected one inverse edge, got %v", edges)
	}
	cs.RemoveInverseRef(1, edge)
	if edges := cs.InverseRefsOf(1); len(edges) != 0 {
		t.Fatalf("expected no inverse edges after removal, got %v", edges)
	}
}

func TestGCWatermarkReclaimsSupersededVersions(t *testing.T) {
	cs := NewClassStore(testClass(), 2)
	c := cs.BeginCreate(1, []any{"Ada", int32(30)}, 1)
	cs.Publish(c, 1)
	u, _, _ := cs.BeginUpdate(1, 1, func(old []any) []any { return []any{old[0], int32(31)} }, 2)
	cs.Publish(u, 2)

	reclaimed := cs.GCWatermark(1, 2)
	if reclaimed != 1 {
		t.Fatalf("expected to reclaim exactly the superseded v1 node, got %d", reclaimed)
	}
	if _, ok := cs.Get(1, 2); !ok {
		t.Fatalf("current version must survive GC")
	}
}
