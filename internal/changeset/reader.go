package changeset

// Reader is stateful: it advances through one block at a time, exposing
// properties in declared order (spec §4.4).
type Reader struct {
	buf []byte
}

// NewReader wraps a changeset byte slice for sequential block reads.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Done reports whether every block has been consumed.
func (r *Reader) Done() bool { return len(r.buf) == 0 }

// NextBlock decodes the next block header and all of its rows.
func (r *Reader) NextBlock() (*Block, error) {
	h, rest, err := DecodeBlockHeader(r.buf)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, h.OperationCount)
	for i := 0; i < h.OperationCount; i++ {
		var row Row
		row, rest, err = DecodeRow(rest, h.Properties)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	r.buf = rest
	return &Block{Header: *h, Rows: rows}, nil
}

// DecodeAll decodes every remaining block. Exercises the round-trip
// property from spec §8 ("encode(changeset) then decode produces the
// identical row sequence").
func DecodeAll(buf []byte) ([]*Block, error) {
	r := NewReader(buf)
	var blocks []*Block
	for !r.Done() {
		b, err := r.NextBlock()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
