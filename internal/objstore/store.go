package objstore

import (
	"runtime"

	"github.com/samber/lo"

	"github.com/SimonWaldherr/veloxdb/internal/model"
	"github.com/SimonWaldherr/veloxdb/internal/verrors"
)

// Store aggregates one ClassStore per non-abstract class declared in a
// schema, keyed by class ID (spec §1's "schema-driven" boundary: the
// object store never interprets a *model.Schema itself, it is simply
// bootstrapped from one by the engine).
type Store struct {
	Schema  *model.Schema
	classes map[int16]*ClassStore
}

// NewStore builds an empty Store with one ClassStore per class in
// schema, sized to the host's logical CPU count (spec §5's
// CPU-partitioned lock sharding).
func NewStore(schema *model.Schema) *Store {
	s := &Store{Schema: schema, classes: make(map[int16]*ClassStore, len(schema.Classes))}
	numCPU := runtime.GOMAXPROCS(0)
	for id, cls := range schema.Classes {
		if cls.Abstract {
			continue
		}
		s.classes[id] = NewClassStore(cls, numCPU)
	}
	return s
}

// Class returns the ClassStore for classID, or a SchemaMismatch
// error if the class is unknown or abstract — abstract classes hold no
// objects of their own (spec §1 glossary: "Abstract class").
func (s *Store) Class(classID int16) (*ClassStore, error) {
	cs, ok := s.classes[classID]
	if !ok {
		return nil, verrors.New(verrors.SchemaMismatch, "unknown or abstract class id")
	}
	return cs, nil
}

// Classes returns every concrete class's store, used by full-database
// scans (schema validation, snapshot writing).
func (s *Store) Classes() map[int16]*ClassStore { return s.classes }

// GCWatermark sweeps every class's every currently-known object down to
// watermark. Real deployments drive this incrementally off the set of
// objects actually touched since the last sweep rather than a full
// enumeration; this is the straightforward, correct baseline. It
// returns the number of versions reclaimed; nothing in this tree calls
// it on a schedule.
func (s *Store) GCWatermark(watermark uint64) int {
	total := 0
	for _, cs := range s.classes {
		ids := lo.Flatten(cs.ScanChunks(1))
		total += lo.Reduce(ids, func(acc int, id int64, _ int) int {
			return acc + cs.GCWatermark(id, watermark)
		}, 0)
	}
	return total
}
