// Package index implements the two index kinds a class declares against
// its properties (spec §4.3): an unordered hash index for equality
// lookups, and an ordered AVL tree for range scans, both unified under
// model.IndexDescriptor per spec §9's flagged ambiguity.
package index

import (
	"bytes"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/SimonWaldherr/veloxdb/internal/model"
)

// collatorFor returns a case-insensitive culture-aware comparator for the given BCP-47 tag,
// or nil if culture is empty (ordinal comparison applies instead, per
// spec §4.3: "absent culture falls back to ordinal byte comparison").
func collatorFor(culture string) *collate.Collator {
	if culture == "" {
		return nil
	}
	tag, err := language.Parse(culture)
	if err != nil {
		return nil
	}
	return collate.New(tag, collate.IgnoreCase)
}

// compareStrings orders a and b using col when non-nil and caseSensitive
// is false (collation is inherently locale-aware case folding); ordinal
// byte comparison otherwise, optionally case-folded.
func compareStrings(a, b string, col *collate.Collator, caseSensitive bool) int {
	if col != nil && !caseSensitive {
		return col.CompareString(a, b)
	}
	if !caseSensitive {
		return bytes.Compare([]byte(foldCase(a)), []byte(foldCase(b)))
	}
	return bytes.Compare([]byte(a), []byte(b))
}

func foldCase(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func compareScalar(a, b any, col *collate.Collator, caseSensitive bool) int {
	switch av := a.(type) {
	case string:
		return compareStrings(av, b.(string), col, caseSensitive)
	case int64:
		return compareInt64(av, b.(int64))
	case int32:
		return compareInt64(int64(av), int64(b.(int32)))
	case int16:
		return compareInt64(int64(av), int64(b.(int16)))
	case byte:
		return compareInt64(int64(av), int64(b.(byte)))
	case float64:
		return compareFloat64(av, b.(float64))
	case float32:
		return compareFloat64(float64(av), float64(b.(float32)))
	case bool:
		return compareBool(av, b.(bool))
	case time.Time:
		bt := b.(time.Time)
		switch {
		case av.Before(bt):
			return -1
		case av.After(bt):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

// CompareKeys compares two composite index keys component by component
// according to desc's declared directions and per-component culture
// (spec §4.3: "sorted indexes compare composite keys left to right,
// honoring each component's declared direction").
func CompareKeys(desc *model.IndexDescriptor, a, b []any) int {
	for i, ip := range desc.Properties {
		col := collatorFor(ip.Culture)
		c := compareScalar(a[i], b[i], col, ip.CaseSensitive)
		if ip.Direction == model.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
