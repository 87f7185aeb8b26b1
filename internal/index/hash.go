package index

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// hashSlot is one open-addressed bucket. Unique indexes keep at most one
// id per key; non-unique indexes accumulate every matching id.
type hashSlot struct {
	occupied  bool
	tombstone bool
	keyBytes  []byte
	ids       []int64
}

// HashIndex is an open-addressed equality index, grown by doubling once
// its load factor crosses 0.7 (spec §4.3).
type HashIndex struct {
	Desc *model.IndexDescriptor

	mu       sync.RWMutex
	slots    []hashSlot
	count    int
	capacity int
}

const hashLoadFactor = 0.7

// NewHashIndex creates an empty hash index sized for the given initial
// capacity hint, rounded up to a power of two.
func NewHashIndex(desc *model.IndexDescriptor, capacityHint int) *HashIndex {
	cap := nextPow2(capacityHint)
	if cap < 16 {
		cap = 16
	}
	return &HashIndex{Desc: desc, slots: make([]hashSlot, cap), capacity: cap}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// EncodeKey canonicalizes a composite key for hashing/equality, folding
// case on string components whose IndexedProperty says case-insensitive.
func (h *HashIndex) EncodeKey(values []any) []byte {
	var buf []byte
	for i, v := range values {
		ip := h.Desc.Properties[i]
		buf = append(buf, encodeHashComponent(v, !ip.CaseSensitive)...)
		buf = append(buf, 0) // component separator
	}
	return buf
}

func encodeHashComponent(v any, foldStrings bool) []byte {
	switch x := v.(type) {
	case string:
		s := x
		if foldStrings {
			s = foldCase(s)
		}
		return []byte(s)
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(x))
		return b
	case int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(x))
		return b
	case int16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(x))
		return b
	case byte:
		return []byte{x}
	case bool:
		if x {
			return []byte{1}
		}
		return []byte{0}
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
		return b
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
		return b
	case time.Time:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(x.UnixNano()))
		return b
	default:
		return nil
	}
}

func fnvHash(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Insert adds id under key. Unique indexes reject a key already bound
// to a different id with UniqueConstraintViolation (spec §4.3).
func (h *HashIndex) Insert(values []any, id int64) error {
	key := h.EncodeKey(values)
	h.mu.Lock()
	defer h.mu.Unlock()
	if float64(h.count+1) > hashLoadFactor*float64(h.capacity) {
		h.grow()
	}
	idx, found := h.probe(key)
	if found {
		s := &h.slots[idx]
		if h.Desc.Unique {
			if len(s.ids) > 0 && s.ids[0] != id {
				return verrors.New(verrors.UniqueConstraintViolation, "unique index violation")
			}
			s.ids = []int64{id}
			return nil
		}
		for _, existing := range s.ids {
			if existing == id {
				return nil
			}
		}
		s.ids = append(s.ids, id)
		return nil
	}
	h.slots[idx] = hashSlot{occupied: true, keyBytes: key, ids: []int64{id}}
	h.count++
	return nil
}

// Remove unlinks id from key's bucket, leaving a tombstone if the bucket
// becomes empty so later probes still find entries beyond it.
func (h *HashIndex) Remove(values []any, id int64) {
	key := h.EncodeKey(values)
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, found := h.probe(key)
	if !found {
		return
	}
	s := &h.slots[idx]
	for i, existing := range s.ids {
		if existing == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
	if len(s.ids) == 0 {
		s.occupied = false
		s.tombstone = true
		s.keyBytes = nil
		h.count--
	}
}

// Find returns every id currently bound to values.
func (h *HashIndex) Find(values []any) []int64 {
	key := h.EncodeKey(values)
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, found := h.probeRead(key)
	if !found {
		return nil
	}
	out := make([]int64, len(h.slots[idx].ids))
	copy(out, h.slots[idx].ids)
	return out
}

// probe finds key's slot under the write lock, creating room via linear
// probing with tombstone reuse; returns (index, alreadyOccupiedWithKey).
func (h *HashIndex) probe(key []byte) (int, bool) {
	mask := uint64(len(h.slots) - 1)
	start := fnvHash(key) & mask
	firstTomb := -1
	for i := uint64(0); i < uint64(len(h.slots)); i++ {
		idx := int((start + i) & mask)
		s := &h.slots[idx]
		if s.occupied {
			if bytesEqual(s.keyBytes, key) {
				return idx, true
			}
			continue
		}
		if s.tombstone {
			if firstTomb < 0 {
				firstTomb = idx
			}
			continue
		}
		if firstTomb >= 0 {
			return firstTomb, false
		}
		return idx, false
	}
	// Table is full of tombstones/occupied — caller already grew before
	// this point, so this only happens under pathological hash clustering.
	if firstTomb >= 0 {
		return firstTomb, false
	}
	return 0, false
}

func (h *HashIndex) probeRead(key []byte) (int, bool) {
	mask := uint64(len(h.slots) - 1)
	start := fnvHash(key) & mask
	for i := uint64(0); i < uint64(len(h.slots)); i++ {
		idx := int((start + i) & mask)
		s := &h.slots[idx]
		if !s.occupied && !s.tombstone {
			return 0, false
		}
		if s.occupied && bytesEqual(s.keyBytes, key) {
			return idx, true
		}
	}
	return 0, false
}

func bytesEqual(a, b []byte) bool {
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

func (h *HashIndex) grow() {
	old := h.slots
	h.capacity *= 2
	h.slots = make([]hashSlot, h.capacity)
	h.count = 0
	for _, s := range old {
		if !s.occupied {
			continue
		}
		idx, _ := h.probe(s.keyBytes)
		h.slots[idx] = hashSlot{occupied: true, keyBytes: s.keyBytes, ids: s.ids}
		h.count++
	}
}

// Len reports the number of distinct keys currently indexed.
func (h *HashIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
