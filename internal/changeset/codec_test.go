package changeset

import (
	"reflect"
	"testing"

	"github.com/SimonWaldherr/veloxdb/internal/model"
)

func TestRoundTripInsertBlock(t *testing.T) {
	props := []PropertyRef{
		{Index: 0, Type: model.Long},
		{Index: 1, Type: model.String},
		{Index: 2, Type: model.Bool},
	}
	w := NewWriter()
	rows := []Row{
		{ObjectID: 1, Values: []any{int64(1), "alice", true}},
		{ObjectID: 2, Values: []any{int64(2), "bob", false}},
		{ObjectID: 3, Values: []any{int64(3), nil, true}},
	}
	for _, row := range rows {
		if err := w.Append(1, OpInsert, props, row); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}

	blocks, err := DecodeAll(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Header.ClassID != 1 || b.Header.Op != OpInsert {
		t.Fatalf("unexpected header: %+v", b.Header)
	}
	if !reflect.DeepEqual(b.Rows, rows) {
		t.Fatalf("round trip mismatch: got %+v want %+v", b.Rows, rows)
	}
}

func TestWriterSealsOnClassChange(t *testing.T) {
	propsA := []PropertyRef{{Index: 0, Type: model.Int}}
	propsB := []PropertyRef{{Index: 0, Type: model.String}}

	w := NewWriter()
	_ = w.Append(1, OpInsert, propsA, Row{ObjectID: 1, Values: []any{int32(1)}})
	_ = w.Append(2, OpInsert, propsB, Row{ObjectID: 2, Values: []any{"x"}})
	if err := w.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}

	blocks, err := DecodeAll(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks (class change should seal), got %d", len(blocks))
	}
}

func TestArrayRoundTrip(t *testing.T) {
	props := []PropertyRef{{Index: 0, Type: model.IntArray}, {Index: 1, Type: model.StringArray}}
	w := NewWriter()
	row := Row{ObjectID: 9, Values: []any{[]int32{1, 2, 3}, []string{"a", "bb"}}}
	if err := w.Append(5, OpInsert, props, row); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	blocks, err := DecodeAll(w.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(blocks[0].Rows[0], row) {
		t.Fatalf("array round trip mismatch: got %+v", blocks[0].Rows[0])
	}
}

func TestDefaultValueBlockNotParallelSafe(t *testing.T) {
	h := BlockHeader{ClassID: 1, Op: OpDefaultValue}
	if h.IsParallelSafe() {
		t.Fatal("DefaultValue blocks must not be parallel-safe")
	}
	h.Op = OpInsert
	if !h.IsParallelSafe() {
		t.Fatal("Insert blocks must be parallel-safe")
	}
}
