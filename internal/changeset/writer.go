package changeset

import (
	"github.com/SimonWaldherr/veloxdb/internal/model"
)

// Writer is stateful: it accumulates rows into the current block until
// the class/operation changes, then seals the block (spec §4.4).
type Writer struct {
	sealed  []byte
	curCls  int16
	curOp   OpType
	curProp []PropertyRef
	curRows []Row
	open    bool
}

// NewWriter returns an empty writer.
func NewWriter() *Writer { return &Writer{} }

// Append adds one operation's row for (classID, op, props) to the
// changeset, sealing the current block first if the triple changed.
func (w *Writer) Append(classID int16, op OpType, props []PropertyRef, row Row) error {
	if w.open && (w.curCls != classID || w.curOp != op || !sameProps(w.curProp, props)) {
		if err := w.seal(); err != nil {
			return err
		}
	}
	if !w.open {
		w.curCls = classID
		w.curOp = op
		w.curProp = props
		w.curRows = w.curRows[:0]
		w.open = true
	}
	w.curRows = append(w.curRows, row)
	return nil
}

// Seal finalizes any open block. Call before Bytes.
func (w *Writer) Seal() error {
	if w.open {
		return w.seal()
	}
	return nil
}

func (w *Writer) seal() error {
	h := BlockHeader{ClassID: w.curCls, Op: w.curOp, Properties: w.curProp, OperationCount: len(w.curRows)}
	buf, err := EncodeBlockHeader(nil, &h)
	if err != nil {
		return err
	}
	for _, row := range w.curRows {
		buf, err = EncodeRow(buf, w.curProp, row)
		if err != nil {
			return err
		}
	}
	w.sealed = append(w.sealed, buf...)
	w.open = false
	w.curRows = nil
	return nil
}

// Bytes returns the encoded changeset: its sealed blocks, each a block
// header followed by its rows, concatenated with no length prefix. The
// caller must have called Seal first.
func (w *Writer) Bytes() []byte { return w.sealed }

// Empty reports whether anything has been written.
func (w *Writer) Empty() bool { return len(w.sealed) == 0 && !w.open }

func sameProps(a, b []PropertyRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DefaultValueRow synthesizes a row for a schema-upgrade DefaultValue
// block (spec §4.4): every property takes a zero value of its type.
func DefaultValueRow(objectID int64, props []PropertyRef) Row {
	values := make([]any, len(props))
	for i, p := range props {
		values[i] = zeroValue(p.Type)
	}
	return Row{ObjectID: objectID, Values: values}
}

func zeroValue(t model.PropertyType) any {
	if t.IsArray() {
		return nil
	}
	switch t {
	case model.Byte:
		return byte(0)
	case model.Short:
		return int16(0)
	case model.Int:
		return int32(0)
	case model.Long, model.DateTime:
		return int64(0)
	case model.Float:
		return float32(0)
	case model.Double:
		return float64(0)
	case model.Bool:
		return false
	case model.String, model.Reference:
		return nil
	default:
		return nil
	}
}
