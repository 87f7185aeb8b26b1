package index

import (
	"testing"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

func descFor(unique bool, dir model.SortDirection) *model.IndexDescriptor {
	return &model.IndexDescriptor{
		Name: "byAge", ClassID: 1, Unique: unique,
		Properties: []model.IndexedProperty{{PropertyID: 1, Direction: dir, CaseSensitive: true}},
	}
}

func TestHashIndexUniqueConflict(t *testing.T) {
	h := NewHashIndex(descFor(true, model.Ascending), 4)
	if err := h.Insert([]any{int64(30)}, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := h.Insert([]any{int64(30)}, 2)
	if err == nil {
		t.Fatalf("expected unique violation")
	}
	if k, _ := verrors.As(err); k != verrors.UniqueConstraintViolation {
		t.Fatalf("expected UniqueConstraintViolation, got %v", k)
	}
}

func TestHashIndexFindAndRemove(t *testing.T) {
	h := NewHashIndex(descFor(false, model.Ascending), 4)
	h.Insert([]any{int64(30)}, 1)
	h.Insert([]any{int64(30)}, 2)
	h.Insert([]any{int64(31)}, 3)

	ids := h.Find([]any{int64(30)})
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
	h.Remove([]any{int64(30)}, 1)
	ids = h.Find([]any{int64(30)})
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected [2], got %v", ids)
	}
}

func TestHashIndexGrows(t *testing.T) {
	h := NewHashIndex(descFor(false, model.Ascending), 4)
	for i := int64(0); i < 200; i++ {
		if err := h.Insert([]any{i}, i); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if h.Len() != 200 {
		t.Fatalf("expected 200 keys, got %d", h.Len())
	}
	for i := int64(0); i < 200; i++ {
		ids := h.Find([]any{i})
		if len(ids) != 1 || ids[0] != i {
			t.Fatalf("lookup %d failed: %v", i, ids)
		}
	}
}

func TestSortedIndexRangeAscending(t *testing.T) {
	idx := NewSortedIndex(descFor(false, model.Ascending))
	for i := int64(1); i <= 10; i++ {
		if err := idx.Add([]any{i}, i*100); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	it := idx.FindLargerOrEqual([]any{int64(5)})
	var got []int64
	for it.Valid() {
		got = append(got, it.Key()[0].(int64))
		if err := it.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	want := []int64{5, 6, 7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestSortedIndexRemoveRebalances(t *testing.T) {
	idx := NewSortedIndex(descFor(false, model.Ascending))
	for i := int64(1); i <= 31; i++ {
		idx.Add([]any{i}, i)
	}
	for i := int64(1); i <= 20; i++ {
		idx.Remove([]any{i}, i)
	}
	if idx.Len() != 11 {
		t.Fatalf("expected 11 remaining keys, got %d", idx.Len())
	}
	ids := idx.FindEqual([]any{int64(25)})
	if len(ids) != 1 || ids[0] != 25 {
		t.Fatalf("expected [25], got %v", ids)
	}
}

func TestSortedIndexIteratorStaleAfterMutation(t *testing.T) {
	idx := NewSortedIndex(descFor(false, model.Ascending))
	idx.Add([]any{int64(1)}, 1)
	idx.Add([]any{int64(2)}, 2)

	it := idx.First()
	idx.Add([]any{int64(3)}, 3)
	if err := it.Next(); err != ErrStale {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestSortedIndexDescendingDirection(t *testing.T) {
	idx := NewSortedIndex(descFor(false, model.Descending))
	idx.Add([]any{int64(1)}, 1)
	idx.Add([]any{int64(2)}, 2)
	idx.Add([]any{int64(3)}, 3)

	it := idx.First()
	if it.Key()[0].(int64) != 3 {
		t.Fatalf("descending index's First() should be the largest key, got %v", it.Key())
	}
}
