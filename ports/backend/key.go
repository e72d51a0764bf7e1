package backend

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Key is a composite key. Each part is either a string or an uint64.
type Key []any

// Compare orders keys part by part. A key sorts before every longer key it is
// a prefix of. Numeric parts sort before string parts.
func Compare(a, b Key) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := comparePart(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func comparePart(a, b any) int {
	switch av := a.(type) {
	case uint64:
		if bv, ok := b.(uint64); ok {
			return cmp.Compare(av, bv)
		}
		return -1
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
		return 1
	}
	return 0
}

// comparePrefix compares only the first len(bound) parts of k against bound.
func comparePrefix(k, bound Key) int {
	if len(k) > len(bound) {
		k = k[:len(bound)]
	}
	return Compare(k, bound)
}

// String renders the key in a stable, human-readable form.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range k {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch v := p.(type) {
		case string:
			sb.WriteString(strconv.Quote(v))
		case uint64:
			sb.WriteString(strconv.FormatUint(v, 10))
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// encode renders a key into a string that is unique per key, for use as a map key.
func (k Key) encode() string {
	var sb strings.Builder
	for _, p := range k {
		switch v := p.(type) {
		case string:
			sb.WriteString("s")
			sb.WriteString(strconv.Itoa(len(v)))
			sb.WriteByte(':')
			sb.WriteString(v)
		case uint64:
			sb.WriteString("u")
			sb.WriteString(strconv.FormatUint(v, 10))
			sb.WriteByte(';')
		}
	}
	return sb.String()
}

// KeyRange bounds a scan. Bounds may be shorter than the scanned keys, in
// which case only the leading parts are compared: Upper: Key{"a"} includes
// every key starting with "a". A nil bound is unbounded.
type KeyRange struct {
	Lower     Key
	Upper     Key
	LowerOpen bool
	UpperOpen bool
}

// All is the unbounded range.
func All() KeyRange { return KeyRange{} }

// Only matches every key whose leading parts equal parts.
func Only(parts ...any) KeyRange {
	k := Key(parts)
	return KeyRange{Lower: k, Upper: k}
}

// After matches every key strictly greater than k.
func After(k Key) KeyRange { return KeyRange{Lower: k, LowerOpen: true} }

// Within returns r with its upper bound set to prefix (inclusive).
func (r KeyRange) Within(prefix ...any) KeyRange {
	r.Upper = Key(prefix)
	r.UpperOpen = false
	return r
}

// Contains reports whether k lies in the range.
func (r KeyRange) Contains(k Key) bool {
	if r.Lower != nil {
		c := comparePrefix(k, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := comparePrefix(k, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}
