package index

import (
	"errors"
	"sync"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// avlHandle addresses a node in the tree's dense array; avlNil means "no
// node" (spec §9's "explicit arenas ... integer handle" translation,
// applied here to the sorted index rather than the object store).
type avlHandle int32

const avlNil avlHandle = -1

type avlNode struct {
	key    []any
	ids    []int64
	left   avlHandle
	right  avlHandle
	parent avlHandle
	height int8
}

// SortedIndex is an AVL tree keyed on a composite property tuple, stored
// as a dense node array addressed by integer handle rather than pointer
// chasing (grounded on the teacher's page/slot idiom in
// internal/storage/pager/btree_page.go and the slot free list in
// freelist.go, adapted from on-disk pages to in-memory nodes since the
// sorted index lives entirely in RAM per spec §4.3).
type SortedIndex struct {
	Desc *model.IndexDescriptor

	mu    sync.RWMutex
	nodes []avlNode
	free  []avlHandle
	root  avlHandle

	// version increments on every structural change (insert/delete of a
	// node, not a duplicate-id append) — spec §4.3's "tree-item position
	// stamps invalidated by a collection-version counter". Iterators
	// capture version at creation and detect staleness on Next/Prev.
	version uint64
}

// NewSortedIndex creates an empty sorted index.
func NewSortedIndex(desc *model.IndexDescriptor) *SortedIndex {
	return &SortedIndex{Desc: desc, root: avlNil}
}

// ErrStale is returned by an Iterator whose underlying tree structurally
// changed since it was created.
var ErrStale = errors.New("sorted index iterator invalidated by a concurrent structural change")

func (t *SortedIndex) height(h avlHandle) int8 {
	if h == avlNil {
		return 0
	}
	return t.nodes[h].height
}

func (t *SortedIndex) updateHeight(h avlHandle) {
	n := &t.nodes[h]
	lh, rh := t.height(n.left), t.height(n.right)
	if lh > rh {
		n.height = lh + 1
	} else {
		n.height = rh + 1
	}
}

func (t *SortedIndex) balanceFactor(h avlHandle) int {
	n := &t.nodes[h]
	return int(t.height(n.left)) - int(t.height(n.right))
}

func (t *SortedIndex) rotateLeft(h avlHandle) avlHandle {
	piv := t.nodes[h].right
	parent := t.nodes[h].parent
	t.nodes[h].right = t.nodes[piv].left
	if t.nodes[piv].left != avlNil {
		t.nodes[t.nodes[piv].left].parent = h
	}
	t.nodes[piv].left = h
	t.nodes[h].parent = piv
	t.nodes[piv].parent = parent
	t.reparent(parent, h, piv)
	t.updateHeight(h)
	t.updateHeight(piv)
	return piv
}

func (t *SortedIndex) rotateRight(h avlHandle) avlHandle {
	piv := t.nodes[h].left
	parent := t.nodes[h].parent
	t.nodes[h].left = t.nodes[piv].right
	if t.nodes[piv].right != avlNil {
		t.nodes[t.nodes[piv].right].parent = h
	}
	t.nodes[piv].right = h
	t.nodes[h].parent = piv
	t.nodes[piv].parent = parent
	t.reparent(parent, h, piv)
	t.updateHeight(h)
	t.updateHeight(piv)
	return piv
}

func (t *SortedIndex) reparent(parent, oldChild, newChild avlHandle) {
	if parent == avlNil {
		t.root = newChild
		return
	}
	if t.nodes[parent].left == oldChild {
		t.nodes[parent].left = newChild
	} else {
		t.nodes[parent].right = newChild
	}
}

func (t *SortedIndex) rebalanceUp(h avlHandle) {
	for h != avlNil {
		t.updateHeight(h)
		bf := t.balanceFactor(h)
		if bf > 1 {
			if t.balanceFactor(t.nodes[h].left) < 0 {
				t.nodes[h].left = t.rotateLeft(t.nodes[h].left)
			}
			h = t.rotateRight(h)
		} else if bf < -1 {
			if t.balanceFactor(t.nodes[h].right) > 0 {
				t.nodes[h].right = t.rotateRight(t.nodes[h].right)
			}
			h = t.rotateLeft(h)
		}
		h = t.nodes[h].parent
	}
}

func (t *SortedIndex) allocNode(key []any, id int64) avlHandle {
	var h avlHandle
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		h = avlHandle(len(t.nodes))
		t.nodes = append(t.nodes, avlNode{})
	}
	t.nodes[h] = avlNode{key: key, ids: []int64{id}, left: avlNil, right: avlNil, parent: avlNil, height: 1}
	return h
}

func (t *SortedIndex) freeNode(h avlHandle) {
	t.nodes[h] = avlNode{}
	t.free = append(t.free, h)
}

// Add inserts id under key, appending to the duplicate-id chain for an
// existing key unless the index is unique.
func (t *SortedIndex) Add(key []any, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == avlNil {
		t.root = t.allocNode(key, id)
		t.version++
		return nil
	}
	cur := t.root
	for {
		c := CompareKeys(t.Desc, key, t.nodes[cur].key)
		if c == 0 {
			n := &t.nodes[cur]
			if t.Desc.Unique {
				if len(n.ids) > 0 && n.ids[0] != id {
					return verrors.New(verrors.UniqueConstraintViolation, "unique index violation")
				}
				n.ids = []int64{id}
				return nil
			}
			for _, existing := range n.ids {
				if existing == id {
					return nil
				}
			}
			n.ids = append(n.ids, id)
			return nil
		}
		next := t.nodes[cur].left
		goLeft := c < 0
		if !goLeft {
			next = t.nodes[cur].right
		}
		if next == avlNil {
			h := t.allocNode(key, id)
			if goLeft {
				t.nodes[cur].left = h
			} else {
				t.nodes[cur].right = h
			}
			t.nodes[h].parent = cur
			t.rebalanceUp(cur)
			t.version++
			return nil
		}
		cur = next
	}
}

// Remove unlinks id from key's duplicate chain, deleting the node
// entirely (with AVL rebalancing) once its chain is empty.
func (t *SortedIndex) Remove(key []any, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.search(key)
	if h == avlNil {
		return
	}
	n := &t.nodes[h]
	for i, existing := range n.ids {
		if existing == id {
			n.ids = append(n.ids[:i], n.ids[i+1:]...)
			break
		}
	}
	if len(n.ids) > 0 {
		return
	}
	t.deleteNode(h)
	t.version++
}

func (t *SortedIndex) deleteNode(h avlHandle) {
	n := &t.nodes[h]
	if n.left != avlNil && n.right != avlNil {
		succ := n.right
		for t.nodes[succ].left != avlNil {
			succ = t.nodes[succ].left
		}
		n.key = t.nodes[succ].key
		n.ids = t.nodes[succ].ids
		t.deleteNode(succ)
		return
	}
	child := n.left
	if child == avlNil {
		child = n.right
	}
	parent := n.parent
	if child != avlNil {
		t.nodes[child].parent = parent
	}
	t.reparent(parent, h, child)
	t.freeNode(h)
	if parent != avlNil {
		t.rebalanceUp(parent)
	}
}

func (t *SortedIndex) search(key []any) avlHandle {
	cur := t.root
	for cur != avlNil {
		c := CompareKeys(t.Desc, key, t.nodes[cur].key)
		switch {
		case c == 0:
			return cur
		case c < 0:
			cur = t.nodes[cur].left
		default:
			cur = t.nodes[cur].right
		}
	}
	return avlNil
}

// FindEqual returns every id stored under key.
func (t *SortedIndex) FindEqual(key []any) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.search(key)
	if h == avlNil {
		return nil
	}
	out := make([]int64, len(t.nodes[h].ids))
	copy(out, t.nodes[h].ids)
	return out
}

func (t *SortedIndex) findBound(key []any, larger, orEqual bool) avlHandle {
	cur := t.root
	best := avlNil
	for cur != avlNil {
		c := CompareKeys(t.Desc, t.nodes[cur].key, key)
		if c == 0 {
			if orEqual {
				return cur
			}
			if larger {
				cur = t.nodes[cur].right
			} else {
				cur = t.nodes[cur].left
			}
			continue
		}
		if larger {
			if c > 0 {
				best = cur
				cur = t.nodes[cur].left
			} else {
				cur = t.nodes[cur].right
			}
		} else {
			if c < 0 {
				best = cur
				cur = t.nodes[cur].right
			} else {
				cur = t.nodes[cur].left
			}
		}
	}
	return best
}

// FindSmaller returns an iterator positioned at the last key ordered
// before key (the largest key < key in an ascending index).
func (t *SortedIndex) FindSmaller(key []any) *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.iteratorAt(t.findBound(key, false, false))
}

// FindSmallerOrEqual returns an iterator positioned at the last key
// ordered at or before key (the largest key <= key in an ascending index).
func (t *SortedIndex) FindSmallerOrEqual(key []any) *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.iteratorAt(t.findBound(key, false, true))
}

// FindLarger returns an iterator positioned at the first key ordered
// after key (the smallest key > key in an ascending index).
func (t *SortedIndex) FindLarger(key []any) *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.iteratorAt(t.findBound(key, true, false))
}

// FindLargerOrEqual returns an iterator positioned at the first key
// ordered at or after key (the smallest key >= key in an ascending index).
func (t *SortedIndex) FindLargerOrEqual(key []any) *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.iteratorAt(t.findBound(key, true, true))
}

// First returns an iterator positioned at the first key in index order:
// the smallest key, or the largest for a descending index.
func (t *SortedIndex) First() *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == avlNil {
		return t.iteratorAt(avlNil)
	}
	cur := t.root
	for t.nodes[cur].left != avlNil {
		cur = t.nodes[cur].left
	}
	return t.iteratorAt(cur)
}

// Last returns an iterator positioned at the last key in index order:
// the largest key, or the smallest for a descending index.
func (t *SortedIndex) Last() *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == avlNil {
		return t.iteratorAt(avlNil)
	}
	cur := t.root
	for t.nodes[cur].right != avlNil {
		cur = t.nodes[cur].right
	}
	return t.iteratorAt(cur)
}

func (t *SortedIndex) iteratorAt(h avlHandle) *Iterator {
	return &Iterator{t: t, cur: h, stamp: t.version}
}

func (t *SortedIndex) successor(h avlHandle) avlHandle {
	n := &t.nodes[h]
	if n.right != avlNil {
		h = n.right
		for t.nodes[h].left != avlNil {
			h = t.nodes[h].left
		}
		return h
	}
	cur, p := h, n.parent
	for p != avlNil && t.nodes[p].right == cur {
		cur = p
		p = t.nodes[p].parent
	}
	return p
}

func (t *SortedIndex) predecessor(h avlHandle) avlHandle {
	n := &t.nodes[h]
	if n.left != avlNil {
		h = n.left
		for t.nodes[h].right != avlNil {
			h = t.nodes[h].right
		}
		return h
	}
	cur, p := h, n.parent
	for p != avlNil && t.nodes[p].left == cur {
		cur = p
		p = t.nodes[p].parent
	}
	return p
}

// Len reports the number of distinct keys currently indexed.
func (t *SortedIndex) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countNodes(t.root)
}

func (t *SortedIndex) countNodes(h avlHandle) int {
	if h == avlNil {
		return 0
	}
	return 1 + t.countNodes(t.nodes[h].left) + t.countNodes(t.nodes[h].right)
}

// Iterator walks a SortedIndex in key order, forward or backward.
// Positions captured before a structural change (insert/delete of a
// node) become stale; Next/Prev report ErrStale rather than silently
// walking a freed or relocated node.
type Iterator struct {
	t     *SortedIndex
	cur   avlHandle
	stamp uint64
}

// Valid reports whether the iterator is positioned at a node.
func (it *Iterator) Valid() bool { return it.cur != avlNil }

// Key returns the composite key at the iterator's current position.
func (it *Iterator) Key() []any { return it.t.nodes[it.cur].key }

// IDs returns the object IDs at the iterator's current position.
func (it *Iterator) IDs() []int64 { return it.t.nodes[it.cur].ids }

// Next advances to the next key in index order.
func (it *Iterator) Next() error {
	it.t.mu.RLock()
	defer it.t.mu.RUnlock()
	if it.t.version != it.stamp {
		return ErrStale
	}
	it.cur = it.t.successor(it.cur)
	return nil
}

// Prev moves to the previous key in index order.
func (it *Iterator) Prev() error {
	it.t.mu.RLock()
	defer it.t.mu.RUnlock()
	if it.t.version != it.stamp {
		return ErrStale
	}
	it.cur = it.t.predecessor(it.cur)
	return nil
}
