// Package changeset implements the binary changeset codec of spec §4.4:
// a sequence of homogeneous blocks, each a (class, operation-type,
// property-subset) triple followed by its row payload. The codec is the
// unit of both durability (wrapped in a WAL log item) and replication.
//
// The wire format follows the teacher's row codec
// (internal/storage/pager/row_codec.go): fixed-width little-endian
// primitives, length-prefixed UTF-8 strings, a null bit for nullable
// reference/string columns — generalized from the teacher's single
// []any row shape to spec §3's closed set of property types.
package changeset

import (
	"github.com/SimonWaldherr/veloxdb/internal/model"
)

// OpType is the block-level operation kind (spec §4.4).
type OpType uint8

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
	OpReferenceUpdate // isolated inverse-ref change
	OpDefaultValue    // schema upgrade
	OpRewind          // alignment
	OpDropDatabase    // alignment
)

// MaxPropertiesPerBlock mirrors model.MaxPropertiesPerClass (spec §4.4
// "property count; variable; max 512").
const MaxPropertiesPerBlock = model.MaxPropertiesPerClass

// PropertyRef names one property participating in a block, in the
// class's declared order.
type PropertyRef struct {
	Index int // property index within the class's declared property list
	Type  model.PropertyType
}

// BlockHeader is the bit-packed header preceding a block's row payload.
type BlockHeader struct {
	ClassID       int16
	Op            OpType
	Properties    []PropertyRef
	OperationCount int
}

// IsParallelSafe reports whether restoration workers may apply this
// block concurrently across transactions (spec §4.4: everything except
// DefaultValue blocks, which carry schema-upgrade semantics that must be
// applied in order).
func (h *BlockHeader) IsParallelSafe() bool { return h.Op != OpDefaultValue }

// Row is one operation's target object ID plus its property values in
// declared order. Each Values element's Go type matches its
// PropertyRef.Type: the closed set of {byte, int16, int32, int64,
// float32, float64, bool, int64 (DateTime as unix nanos), string, []T
// array variants, int64 (Reference), []int64 (ReferenceArray)}, or nil
// for a null string/reference. ObjectID is carried outside the declared
// property list since it identifies the row rather than describing it —
// restoration keys its parallel workers on it (spec §4.9).
type Row struct {
	ObjectID int64
	Values   []any
}

// Block is a fully decoded block: header plus its rows.
type Block struct {
	Header BlockHeader
	Rows   []Row
}
