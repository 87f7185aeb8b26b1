package snapshot

import (
	"context"
	"runtime"

	"github.com/SimonWaldherr/veloxdb/internal/changeset"
	"github.com/SimonWaldherr/veloxdb/internal/concurrency"
	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/objstore"
)

// Result is a fully parsed snapshot header section, positioned and
// ready for Populate to apply its class-snapshot blocks.
type Result struct {
	Versions VersionsBlock
	Classes  []ClassDescriptor
}

// Read parses buf's fixed header, versions block, and class list,
// returning the remainder of buf (the concatenated class-snapshot
// blocks) for Populate.
func Read(buf []byte) (Result, []byte, error) {
	if _, err := decodeFileHeader(buf); err != nil {
		return Result{}, nil, err
	}
	buf = buf[fileHeaderSize:]

	vbuf, n, err := readSized(buf)
	if err != nil {
		return Result{}, nil, err
	}
	versions, err := decodeVersionsBlock(vbuf)
	if err != nil {
		return Result{}, nil, err
	}
	buf = buf[n:]

	cbuf, n, err := readSized(buf)
	if err != nil {
		return Result{}, nil, err
	}
	buf = buf[n:]

	var classes []ClassDescriptor
	for len(cbuf) > 0 {
		d, consumed, err := decodeClassDescriptor(cbuf)
		if err != nil {
			return Result{}, nil, err
		}
		classes = append(classes, d)
		cbuf = cbuf[consumed:]
	}
	return Result{Versions: versions, Classes: classes}, buf, nil
}

// Populate dispatches blocksBuf's class-snapshot blocks to a worker pool
// for parallel population of store's classes. It does not pre-size any
// class's pool: the ObjectCount recorded in classes is not used.
// commitVersion is stamped on every restored object, matching the
// snapshot's own recorded version (spec §4.9: a snapshot restores the
// store to exactly the version it was taken at).
func Populate(store *objstore.Store, classes []ClassDescriptor, blocksBuf []byte, commitVersion uint64) error {
	propsByClass := make(map[int16][]changeset.PropertyRef, len(classes))
	for _, d := range classes {
		propsByClass[d.ClassID] = d.Properties
	}

	type blockJob struct {
		classID     int16
		objectCount int
		payload     []byte
	}
	var jobs []blockJob
	buf := blocksBuf
	for len(buf) > 0 {
		payload, n, err := readSized(buf)
		if err != nil {
			return err
		}
		classID, objectCount, err := decodeClassBlockHeader(payload)
		if err != nil {
			return err
		}
		jobs = append(jobs, blockJob{classID: classID, objectCount: objectCount, payload: payload[classBlockHeaderSize:]})
		buf = buf[n:]
	}
	if len(jobs) == 0 {
		return nil
	}

	queue := concurrency.NewJobQueue(len(jobs), concurrency.ModeNormal)
	pool := concurrency.NewWorkerPool(queue, runtime.GOMAXPROCS(0))
	errs := make(chan error, len(jobs))
	for _, j := range jobs {
		j := j
		queue.Enqueue(func(ctx context.Context) {
			errs <- populateBlock(store, propsByClass[j.classID], j.classID, j.objectCount, j.payload, commitVersion)
		}, -1)
	}

	var firstErr error
	for range jobs {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	pool.Shutdown()
	return firstErr
}

func populateBlock(store *objstore.Store, props []changeset.PropertyRef, classID int16, objectCount int, payload []byte, commitVersion uint64) error {
	cs, err := store.Class(classID)
	if err != nil {
		return err
	}
	for i := 0; i < objectCount; i++ {
		row, rest, err := changeset.DecodeRow(payload, props)
		if err != nil {
			return err
		}
		payload = rest
		// Restoration predates any concurrent transaction against this
		// store, so the intent never needs to survive a real conflict
		// check; txID 0 is a synthetic tag with no live transaction.
		intent := cs.BeginCreate(row.ObjectID, row.Values, 0)
		cs.Publish(intent, commitVersion)
	}
	return nil
}

// Restore is the convenience entry point combining Read and Populate
// against a freshly built Store.
func Restore(buf []byte, schema *model.Schema) (*objstore.Store, VersionsBlock, error) {
	result, blocksBuf, err := Read(buf)
	if err != nil {
		return nil, VersionsBlock{}, err
	}
	store := objstore.NewStore(schema)

	var commitVersion uint64
	for _, e := range result.Versions.Entries {
		if e.Version > commitVersion {
			commitVersion = e.Version
		}
	}
	if err := Populate(store, result.Classes, blocksBuf, commitVersion); err != nil {
		return nil, VersionsBlock{}, err
	}
	return store, result.Versions, nil
}
