// Package posid implements the position identifier algebra: a total order
// over variable-length integer vectors, with a generator that allocates a
// fresh identifier strictly between two existing ones.
package posid

import (
	"errors"
	"fmt"
)

// Base is the fixed radix of the identifier space. It must never change
// within a deployment: identifiers minted on one replica are compared,
// without renegotiation, on every other replica that receives them.
const Base int64 = 1 << 20

// upperDefault is the value used in place of a missing upper-bound
// component: twice Base, so there is always room for a midpoint below it.
const upperDefault = 2 * Base

// maxDepth bounds the recursive descent of allocateBetween. A legitimate
// pair of bounds (lo < hi) never needs anywhere near this many levels; it
// exists purely to turn a malformed (lo >= hi) call into an error instead
// of an infinite loop.
const maxDepth = 256

// ErrInvalidBounds is returned by Between when lo is not strictly less
// than hi.
var ErrInvalidBounds = errors.New("posid: lo must be strictly less than hi")

// ID is a non-empty sequence of integer components. Comparison is
// lexicographic: the first differing component decides, and a strict
// prefix is less than any sequence it prefixes.
type ID []int64

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b, under the lexicographic order of §4.1.
func Compare(a, b ID) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b ID) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b have identical length and components.
func Equal(a, b ID) bool { return Compare(a, b) == 0 }

// Clone returns an independent copy of id.
func (id ID) Clone() ID {
	c := make(ID, len(id))
	copy(c, id)
	return c
}

func componentAt(seq ID, d int, dflt int64) int64 {
	if d < len(seq) {
		return seq[d]
	}
	return dflt
}

// Between allocates a fresh identifier p such that lo < p < hi, where a nil
// lo means "lower than any existing id" and a nil hi means "higher than
// any existing id". It implements the §4.1 generation contract, including
// its two literal edge cases.
func Between(lo, hi ID) (ID, error) {
	switch {
	case lo == nil && hi == nil:
		return ID{Base}, nil
	case lo != nil && hi == nil:
		// Always leaves headroom for subsequent appends at the tail of
		// the document, rather than bisecting toward an artificial
		// ceiling that would shrink with every further append.
		return ID{lo[0] + Base}, nil
	}

	var prefix ID
	// hiOpen is set once the prefix has fallen below hi at some depth:
	// from then on hi's deeper components no longer bound the result.
	hiOpen := false
	for depth := 0; depth < maxDepth; depth++ {
		loD := componentAt(lo, depth, 0)
		hiD := upperDefault
		if !hiOpen {
			hiD = componentAt(hi, depth, upperDefault)
		}
		if hiD-loD >= 2 {
			mid := loD + (hiD-loD)/2
			out := make(ID, len(prefix)+1)
			copy(out, prefix)
			out[len(prefix)] = mid
			return out, nil
		}
		if loD > hiD {
			return nil, ErrInvalidBounds
		}
		if loD < hiD {
			hiOpen = true
		}
		prefix = append(prefix, loD)
	}
	return nil, fmt.Errorf("posid: exceeded max depth %d, bounds likely inverted", maxDepth)
}

// Depth returns the number of components in id.
func (id ID) Depth() int { return len(id) }
