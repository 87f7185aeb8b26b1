package snapshot

import (
	"context"
	"log"
	"runtime"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/SimonWaldherr/veloxdb/internal/changeset"
	"github.com/SimonWaldherr/veloxdb/internal/concurrency"
	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/objstore"
)

// DefaultMaxClassBlockBytes bounds how many encoded row bytes
// accumulate in one class-snapshot block before the writer starts a new
// one (spec §4.8: "emits class-snapshot blocks no larger than a
// configured size").
const DefaultMaxClassBlockBytes = 256 * 1024

// Writer produces a snapshot file covering every live object across
// Store's classes as of ReadVersion.
type Writer struct {
	Store       *objstore.Store
	Schema      *model.Schema
	ReadVersion uint64
	LocalTerm   uint32
	GlobalTerm  [16]byte
	MaxLSN      uint64

	MaxBlockBytes int
	Logger        *log.Logger
}

// NewWriter builds a Writer seeded with the ambient defaults (max block
// size, default logger); callers may override either before WriteTo.
func NewWriter(store *objstore.Store, schema *model.Schema, readVersion uint64, localTerm uint32, globalTerm [16]byte, maxLSN uint64) *Writer {
	return &Writer{
		Store: store, Schema: schema, ReadVersion: readVersion,
		LocalTerm: localTerm, GlobalTerm: globalTerm, MaxLSN: maxLSN,
		MaxBlockBytes: DefaultMaxClassBlockBytes,
		Logger:        log.Default(),
	}
}

// WriteTo serializes header, versions block, class list, then every
// class's snapshot blocks.
//
// Classes are scanned in parallel by a worker pool (spec §4.8 "parallel
// chunked scans"); each worker's encoded class-snapshot blocks are
// funneled through one results channel drained by this call, which
// plays the role of the spec's single persister worker appending blocks
// to the output in the order produced.
func (w *Writer) WriteTo() ([]byte, error) {
	classIDs := make([]int16, 0, len(w.Store.Classes()))
	for id := range w.Store.Classes() {
		classIDs = append(classIDs, id)
	}
	sort.Slice(classIDs, func(i, j int) bool { return classIDs[i] < classIDs[j] })

	type classJob struct {
		classID int16
		cs      *objstore.ClassStore
		props   []changeset.PropertyRef
	}
	jobs := make([]classJob, len(classIDs))
	descriptors := make([]ClassDescriptor, len(classIDs))
	totalObjects := 0
	for i, id := range classIDs {
		cls := w.Schema.Classes[id]
		cs, err := w.Store.Class(id)
		if err != nil {
			return nil, err
		}
		props := make([]changeset.PropertyRef, len(cls.Properties))
		for j, p := range cls.Properties {
			props[j] = changeset.PropertyRef{Index: j, Type: p.Type}
		}
		n := cs.Count()
		descriptors[i] = ClassDescriptor{ClassID: id, ObjectCount: n, Properties: props}
		jobs[i] = classJob{classID: id, cs: cs, props: props}
		totalObjects += n
	}

	out := append([]byte{}, encodeFileHeader()...)
	low, high := GlobalTermParts(w.GlobalTerm)
	out = append(out, writeSized(encodeVersionsBlock(VersionsBlock{
		LocalTerm: w.LocalTerm,
		MaxLSN:    w.MaxLSN,
		Entries:   []VersionEntry{{GlobalTermLow: low, GlobalTermHigh: high, Version: w.ReadVersion}},
	}))...)

	var classListBuf []byte
	for _, d := range descriptors {
		enc, err := encodeClassDescriptor(d)
		if err != nil {
			return nil, err
		}
		classListBuf = append(classListBuf, enc...)
	}
	out = append(out, writeSized(classListBuf)...)

	if len(jobs) == 0 {
		return out, nil
	}

	type result struct {
		buf []byte
		err error
	}
	results := make(chan result, len(jobs))
	queue := concurrency.NewJobQueue(len(jobs), concurrency.ModeNormal)
	pool := concurrency.NewWorkerPool(queue, runtime.GOMAXPROCS(0))
	for _, j := range jobs {
		j := j
		queue.Enqueue(func(ctx context.Context) {
			buf, err := w.scanClass(j.classID, j.cs, j.props)
			results <- result{buf: buf, err: err}
		}, -1)
	}

	var firstErr error
	for range jobs {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		if r.buf != nil {
			out = append(out, r.buf...)
		}
	}
	pool.Shutdown()
	if firstErr != nil {
		return nil, firstErr
	}

	w.Logger.Printf("snapshot: wrote %s objects across %d classes", humanize.Comma(int64(totalObjects)), len(jobs))
	return out, nil
}

// scanClass partitions classID's live objects (spec §4.8's chunked
// scan, here one chunk per worker since the caller already parallelizes
// across classes) into size-bounded class-snapshot blocks.
func (w *Writer) scanClass(classID int16, cs *objstore.ClassStore, props []changeset.PropertyRef) ([]byte, error) {
	ids := cs.ScanChunks(1)
	var chunk []int64
	if len(ids) > 0 {
		chunk = ids[0]
	}

	var out []byte
	var rows []changeset.Row
	size := 0

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		payload := encodeClassBlockHeader(classID, len(rows))
		for _, r := range rows {
			var err error
			payload, err = changeset.EncodeRow(payload, props, r)
			if err != nil {
				return err
			}
		}
		out = append(out, writeSized(payload)...)
		rows = rows[:0]
		size = 0
		return nil
	}

	for _, id := range chunk {
		n, ok := cs.Get(id, w.ReadVersion)
		if !ok {
			continue
		}
		row := changeset.Row{ObjectID: id, Values: n.Values()}
		rows = append(rows, row)
		size += estimateRowSize(row)
		if size >= w.MaxBlockBytes {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// estimateRowSize is a coarse estimate used only to decide when to
// start a new block; the block's real size is whatever writeSized
// actually prefixes, so under- or over-estimating here only shifts
// where a block boundary falls, never correctness.
func estimateRowSize(row changeset.Row) int {
	return 16 + len(row.Values)*16
}
