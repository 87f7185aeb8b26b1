// Package model defines the class/property descriptors the storage core
// depends on but does not own (spec §1: "the schema/model descriptor
// subsystem ... XML schema loading, source generators, DTO automapping"
// is an external collaborator). Only the shapes the core needs to read
// are declared here; loading them from XML or generating code from them
// is out of scope.
package model

// PropertyType is the closed set of primitive/array/reference property
// types from spec §3.
type PropertyType uint8

const (
	Byte PropertyType = iota
	Short
	Int
	Long
	Float
	Double
	Bool
	DateTime
	String

	ByteArray
	ShortArray
	IntArray
	LongArray
	FloatArray
	DoubleArray
	BoolArray
	DateTimeArray
	StringArray

	Reference
	ReferenceArray
)

// IsArray reports whether t is one of the array variants.
func (t PropertyType) IsArray() bool {
	return t >= ByteArray && t <= StringArray || t == ReferenceArray
}

// IsReference reports whether t carries an object ID.
func (t PropertyType) IsReference() bool {
	return t == Reference || t == ReferenceArray
}

// FixedWidth returns the encoded width in bytes of a single scalar value
// of t, or 0 if t is variable length (String, any array, ReferenceArray
// is fixed per-element but variable count so also reports 0).
func (t PropertyType) FixedWidth() int {
	switch t {
	case Byte, Bool:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Long, Double, DateTime, Reference:
		return 8
	default:
		return 0
	}
}

// DeleteAction governs what happens to the holder of a reference when
// the referenced object is deleted.
type DeleteAction uint8

const (
	PreventDelete DeleteAction = iota
	CascadeDelete
	SetToNull
)

// Property describes one class member.
type Property struct {
	ID           int
	Name         string
	Type         PropertyType
	RefTargetCls int16 // valid iff Type.IsReference()
	DeleteAction DeleteAction
	TrackInverse bool
}

// MaxPropertiesPerClass is spec §8's boundary: exceeding it at schema
// load rejects with SchemaMismatch.
const MaxPropertiesPerClass = 512

// MaxIndexedProperties is spec §3's index key width limit.
const MaxIndexedProperties = 4

// SortDirection is a per-property ascending/descending flag for sorted
// indexes.
type SortDirection uint8

const (
	Ascending SortDirection = iota
	Descending
)

// IndexKind distinguishes hash from sorted indexes. Per spec §9's
// instruction to unify the two index descriptor variants the teacher's
// source interleaves, IndexDescriptor below covers both kinds with one
// struct instead of two.
type IndexKind uint8

const (
	HashIndex IndexKind = iota
	SortedIndex
)

// IndexedProperty is one property participating in an index key.
type IndexedProperty struct {
	PropertyID int
	Direction  SortDirection // only meaningful for SortedIndex
	Culture    string        // BCP-47 tag; "" means ordinal comparison
	CaseSensitive bool
}

// IndexDescriptor describes one index over one to four properties of a
// class (spec §3).
type IndexDescriptor struct {
	Name       string
	Kind       IndexKind
	ClassID    int16
	Properties []IndexedProperty
	Unique     bool
}

// Class describes one non-abstract or abstract class (spec §3). Abstract
// classes hold no objects but still participate in the ID/property
// namespace of their concrete descendants in a full schema subsystem;
// the core only needs to know whether a class is concrete.
type Class struct {
	ID         int16
	Name       string
	Abstract   bool
	LogGroup   int
	Properties []Property
	Indexes    []IndexDescriptor
}

// Schema is the minimal read-only view the storage core consumes. A real
// deployment loads this from the (out-of-scope) XML model subsystem;
// tests and the engine's bootstrap path build it directly.
type Schema struct {
	Classes  map[int16]*Class
	LogGroups []string
}

// MasterLogGroup is the always-present group 0 that also records
// schema/global state (spec §3).
const MasterLogGroup = 0

// ClassByName is a convenience lookup used by tests and by the engine's
// schema-alignment path.
func (s *Schema) ClassByName(name string) *Class {
	for _, c := range s.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}
