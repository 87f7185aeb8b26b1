package snapshot

import (
	"testing"

	"github.com/SimonWaldherr/veloxdb/internal/changeset"
	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/objstore"
)

func testSchema() *model.Schema {
	cls := &model.Class{
		ID:   1,
		Name: "Widget",
		Properties: []model.Property{
			{ID: 0, Name: "Name", Type: model.String},
			{ID: 1, Name: "Count", Type: model.Int},
		},
	}
	return &model.Schema{Classes: map[int16]*model.Class{1: cls}, LogGroups: []string{"default"}}
}

func TestWriteThenRestoreRoundTrip(t *testing.T) {
	schema := testSchema()
	store := objstore.NewStore(schema)
	cs, err := store.Class(1)
	if err != nil {
		t.Fatalf("class: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		intent := cs.BeginCreate(i, []any{"widget", int32(i)}, 1)
		cs.Publish(intent, uint64(i))
	}

	w := NewWriter(store, schema, 5, 1, [16]byte{1, 2, 3}, 7)
	w.MaxBlockBytes = 32 // force multiple blocks per class
	buf, err := w.WriteTo()
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	restored, versions, err := Restore(buf, schema)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if versions.MaxLSN != 7 || versions.LocalTerm != 1 {
		t.Fatalf("unexpected versions block: %+v", versions)
	}

	rcs, err := restored.Class(1)
	if err != nil {
		t.Fatalf("restored class: %v", err)
	}
	if rcs.Count() != 5 {
		t.Fatalf("expected 5 restored objects, got %d", rcs.Count())
	}
	n, ok := rcs.Get(3, 5)
	if !ok {
		t.Fatalf("expected object 3 to be visible")
	}
	if n.Values()[0] != "widget" || n.Values()[1] != int32(3) {
		t.Fatalf("unexpected restored values: %+v", n.Values())
	}
}

func TestWriteEmptyStoreProducesValidHeaderOnly(t *testing.T) {
	schema := testSchema()
	store := objstore.NewStore(schema)
	w := NewWriter(store, schema, 0, 1, [16]byte{}, 0)
	buf, err := w.WriteTo()
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	restored, _, err := Restore(buf, schema)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	rcs, _ := restored.Class(1)
	if rcs.Count() != 0 {
		t.Fatalf("expected no objects, got %d", rcs.Count())
	}
}

func TestReadRejectsCorruptedVersionsBlock(t *testing.T) {
	schema := testSchema()
	store := objstore.NewStore(schema)
	w := NewWriter(store, schema, 0, 1, [16]byte{}, 0)
	buf, err := w.WriteTo()
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	buf[fileHeaderSize+10] ^= 0xFF
	if _, _, err := Read(buf); err == nil {
		t.Fatalf("expected corruption to surface")
	}
}

func TestClassDescriptorRoundTrip(t *testing.T) {
	d := ClassDescriptor{
		ClassID:     1,
		ObjectCount: 3,
		Properties: []changeset.PropertyRef{
			{Index: 0, Type: model.String},
			{Index: 1, Type: model.Int},
		},
	}
	enc, err := encodeClassDescriptor(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, consumed, err := decodeClassDescriptor(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(enc) {
		t.Fatalf("expected to consume the whole descriptor, got %d of %d", consumed, len(enc))
	}
	if got.ClassID != d.ClassID || got.ObjectCount != d.ObjectCount || len(got.Properties) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
