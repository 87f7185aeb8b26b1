package objstore

import (
	"github.com/SimonWaldherr/veloxdb/internal/concurrency"
	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// WriteIntent is one pending mutation accumulated by a transaction
// against a class, not yet published to the primary map. Commit
// validates and publishes intents atomically per spec §4.2/§4.5; abort
// simply discards them — since they were never linked into any chain,
// no other reader could ever have observed them (spec §4.5 "Rollback").
type WriteIntent struct {
	ObjectID    int64
	Predecessor nodeHandle // head observed at write time; nilHandle for Create
	NewNode     nodeHandle
	Deleted     bool
}

// ClassStore holds one non-abstract class's objects: an arena of version
// nodes, the primary ID→head map, and its side stores.
type ClassStore struct {
	Class *model.Class

	lock    *concurrency.ProcessorRWLock
	arena   *arena
	primary map[int64]nodeHandle

	strings *sideStore[string]
	blobs   *sideStore[any]
	invRefs *inverseRefStore

	nextObjectID int64 // unused by ClassStore; IDs come from txn.Manager.AllocateObjectID
}

// NewClassStore constructs an empty store for cls.
func NewClassStore(cls *model.Class, numCPU int) *ClassStore {
	return &ClassStore{
		Class:   cls,
		lock:    concurrency.NewProcessorRWLock(numCPU),
		arena:   newArena(),
		primary: make(map[int64]nodeHandle),
		strings: newSideStore[string](),
		blobs:   newSideStore[any](),
		invRefs: newInverseRefStore(),
	}
}

// Get returns the version of id visible at readVersion, walking the
// chain newest-first (spec §3's version-chain visibility rule).
func (c *ClassStore) Get(id int64, readVersion uint64) (*objectNode, bool) {
	c.lock.EnterRead()
	head, ok := c.primary[id]
	c.lock.ExitRead()
	if !ok {
		return nil, false
	}
	for cur := head; cur != nilHandle; {
		n := c.arena.get(cur)
		if n == nil {
			return nil, false
		}
		if n.VisibleAt(readVersion) {
			if n.deleted {
				return nil, false
			}
			return n, true
		}
		cur = n.prev
	}
	return nil, false
}

// headHandle returns the current head handle for id (nilHandle if the
// object has never existed), used to build a WriteIntent's Predecessor.
func (c *ClassStore) headHandle(id int64) nodeHandle {
	c.lock.EnterRead()
	defer c.lock.ExitRead()
	return c.primary[id]
}

// BeginCreate allocates a pending node for a brand-new object and
// returns the intent; the caller (the transaction) assigns the ID from
// txn.Manager.AllocateObjectID before calling this.
func (c *ClassStore) BeginCreate(id int64, values []any, txID uint64) WriteIntent {
	h, n := c.arena.alloc()
	n.version = pendingVersion(txID)
	n.id = id
	n.prev = nilHandle
	n.values = values
	return WriteIntent{ObjectID: id, Predecessor: nilHandle, NewNode: h}
}

// BeginUpdate validates against readVersion and stages a new version
// copying forward any values mutate leaves unchanged (spec §4.2 step 2).
// It also returns the values the staged node now carries, so a caller
// building a changeset record does not need a second trip through the
// arena.
func (c *ClassStore) BeginUpdate(id int64, readVersion uint64, mutate func(old []any) []any, txID uint64) (WriteIntent, []any, error) {
	head := c.headHandle(id)
	if head == nilHandle {
		return WriteIntent{}, nil, verrors.New(verrors.ReferentialIntegrity, "update: object does not exist")
	}
	old := c.arena.get(head)
	if old == nil {
		return WriteIntent{}, nil, verrors.New(verrors.ReferentialIntegrity, "update: object does not exist")
	}
	if old.deleted {
		return WriteIntent{}, nil, verrors.New(verrors.ReferentialIntegrity, "update: object is deleted")
	}
	// The head is always a published version: staged intents are not
	// linked in until Publish, so a write another open transaction has
	// only staged does not show here and is caught by Validate instead.
	if old.version > readVersion {
		return WriteIntent{}, nil, verrors.New(verrors.Conflict, "update: object modified since read")
	}
	h, n := c.arena.alloc()
	n.version = pendingVersion(txID)
	n.id = id
	n.prev = head
	n.values = mutate(old.values)
	n.invRef = old.invRef
	return WriteIntent{ObjectID: id, Predecessor: head, NewNode: h}, n.values, nil
}

// BeginDelete stages a tombstone node (spec §4.2 step 3).
func (c *ClassStore) BeginDelete(id int64, readVersion uint64, txID uint64) (WriteIntent, error) {
	head := c.headHandle(id)
	if head == nilHandle {
		return WriteIntent{}, verrors.New(verrors.ReferentialIntegrity, "delete: object does not exist")
	}
	old := c.arena.get(head)
	if old == nil || old.deleted {
		return WriteIntent{}, verrors.New(verrors.ReferentialIntegrity, "delete: object does not exist")
	}
	if old.version > readVersion {
		return WriteIntent{}, verrors.New(verrors.Conflict, "delete: object modified since read")
	}
	h, n := c.arena.alloc()
	n.version = pendingVersion(txID)
	n.id = id
	n.prev = head
	n.deleted = true
	n.invRef = old.invRef
	return WriteIntent{ObjectID: id, Predecessor: head, NewNode: h, Deleted: true}, nil
}

// Validate re-checks a staged intent's predecessor against the current
// head immediately before commit (spec §4.2 "Conflict detection").
func (c *ClassStore) Validate(intent WriteIntent) error {
	cur := c.headHandle(intent.ObjectID)
	if cur != intent.Predecessor {
		return verrors.New(verrors.Conflict, "commit: concurrent write won the race")
	}
	return nil
}

// Publish finalizes a validated intent: stamps the commit version on the
// staged node and CASes it into the primary map as the new head.
func (c *ClassStore) Publish(intent WriteIntent, commitVersion uint64) {
	c.lock.EnterWrite()
	defer c.lock.ExitWrite()
	n := c.arena.get(intent.NewNode)
	n.version = commitVersion
	c.primary[intent.ObjectID] = intent.NewNode
}

// Abandon discards a staged intent that never reached commit (spec
// §4.5 Rollback). The node was never linked into any chain or the
// primary map, so this is a pure arena free.
func (c *ClassStore) Abandon(intent WriteIntent) {
	c.arena.release(intent.NewNode)
}

// InverseRefsOf returns the edges currently recorded against id's
// latest published version, used by referential-integrity checks during
// commit.
func (c *ClassStore) InverseRefsOf(id int64) []InvRefEdge {
	head := c.headHandle(id)
	n := c.arena.get(head)
	if n == nil {
		return nil
	}
	return c.invRefs.List(n.invRef)
}

// AddInverseRef links edge onto id's inverse-reference list in place
// (spec §4.2 step 4 / §4.5 step 2: applied "atomically against the
// target objects' inverse-ref lists under their per-class locks").
func (c *ClassStore) AddInverseRef(id int64, edge InvRefEdge) {
	c.lock.EnterWrite()
	defer c.lock.ExitWrite()
	head := c.primary[id]
	n := c.arena.get(head)
	if n == nil {
		return
	}
	n.invRef = c.invRefs.Push(n.invRef, edge)
}

// RemoveInverseRef unlinks edge from id's inverse-reference list.
func (c *ClassStore) RemoveInverseRef(id int64, edge InvRefEdge) {
	c.lock.EnterWrite()
	defer c.lock.ExitWrite()
	head := c.primary[id]
	n := c.arena.get(head)
	if n == nil {
		return
	}
	n.invRef = c.invRefs.Remove(n.invRef, edge)
}

// InternString stores s in the class's string side store, returning a
// stringRef for embedding in an object's values slice.
func (c *ClassStore) InternString(s string) stringRef { return stringRef(c.strings.Put(s)) }

// ResolveString looks up a previously interned string.
func (c *ClassStore) ResolveString(r stringRef) (string, bool) { return c.strings.Get(sideHandle(r)) }

// InternBlob stores an array/blob value, returning a blobRef.
func (c *ClassStore) InternBlob(v any) blobRef { return blobRef(c.blobs.Put(v)) }

// ResolveBlob looks up a previously interned array/blob value.
func (c *ClassStore) ResolveBlob(r blobRef) (any, bool) { return c.blobs.Get(sideHandle(r)) }

// ScanChunks partitions the class's live object IDs into roughly
// balanced chunks for parallel enumeration without a global lock (spec
// §4.2: "Scans partition the class's live objects into chunks sized for
// balanced work distribution"). The snapshot of IDs is taken under a
// single read lock; each chunk's visibility is then filtered
// independently by the caller against its own read-version, relying on
// MVCC rather than a held lock for consistency during iteration.
func (c *ClassStore) ScanChunks(numChunks int) [][]int64 {
	c.lock.EnterRead()
	ids := make([]int64, 0, len(c.primary))
	for id := range c.primary {
		ids = append(ids, id)
	}
	c.lock.ExitRead()

	if numChunks < 1 {
		numChunks = 1
	}
	chunks := make([][]int64, numChunks)
	for i, id := range ids {
		chunks[i%numChunks] = append(chunks[i%numChunks], id)
	}
	return chunks
}

// Count returns the number of live (not necessarily visible-to-everyone)
// object IDs, used to size snapshot writer buffers (spec §4.8).
func (c *ClassStore) Count() int {
	c.lock.EnterRead()
	defer c.lock.ExitRead()
	return len(c.primary)
}

// GCWatermark drops any version of id older than watermark that is not
// the object's visible version at watermark (spec §3's GC invariant),
// releasing side-store refs it exclusively owned along the way. Returns
// the number of nodes reclaimed.
func (c *ClassStore) GCWatermark(id int64, watermark uint64) int {
	c.lock.EnterWrite()
	defer c.lock.ExitWrite()

	head, ok := c.primary[id]
	if !ok {
		return 0
	}
	// Walk to the first node visible at watermark; that node and
	// everything newer must be kept. Everything older is unreachable by
	// any reader whose read-version is >= watermark, the GC invariant's
	// definition of "currently active".
	cur := head
	for cur != nilHandle {
		n := c.arena.get(cur)
		if n == nil {
			break
		}
		if n.VisibleAt(watermark) {
			cut := n.prev
			n.prev = nilHandle
			return c.freeChain(cut)
		}
		cur = n.prev
	}
	return 0
}

func (c *ClassStore) freeChain(head nodeHandle) int {
	count := 0
	for cur := head; cur != nilHandle; count++ {
		n := c.arena.get(cur)
		if n == nil {
			break
		}
		next := n.prev
		for _, v := range n.values {
			switch r := v.(type) {
			case stringRef:
				c.strings.Release(sideHandle(r))
			case blobRef:
				c.blobs.Release(sideHandle(r))
			}
		}
		c.arena.release(cur)
		cur = next
	}
	return count
}
