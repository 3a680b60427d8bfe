// Package vclock implements the column-indexed vector clock used to order
// FileRecord mutations across the trees participating in one Sync.
package vclock

import "fmt"

// Order is the result of comparing two clocks.
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Concurrent
)

func (o Order) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Less:
		return "Less"
	case Greater:
		return "Greater"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Clock is a sequence of per-column counters. The zero value is a clock of
// length zero; use New to build one of a given length.
type Clock []int32

// New returns a clock of the given length, all columns zero.
func New(length int) Clock {
	return make(Clock, length)
}

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	copy(out, c)
	return out
}

// Compare implements the vector-clock partial order: A <= B iff every
// column of A is <= the matching column of B. Compare is total (always
// returns one of the four Orders), reflexive (Compare(a,a) == Equal),
// antisymmetric over Equal, and the four outcomes partition all pairs.
func Compare(a, b Clock) Order {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	lessSeen, greaterSeen := false, false
	for i := 0; i < n; i++ {
		av, bv := at(a, i), at(b, i)
		switch {
		case av < bv:
			lessSeen = true
		case av > bv:
			greaterSeen = true
		}
	}
	switch {
	case !lessSeen && !greaterSeen:
		return Equal
	case lessSeen && !greaterSeen:
		return Less
	case !lessSeen && greaterSeen:
		return Greater
	default:
		return Concurrent
	}
}

func at(c Clock, i int) int32 {
	if i < len(c) {
		return c[i]
	}
	return 0
}

// Merge returns the componentwise max of a and b, padded to the longer
// length. Merge is commutative, associative and idempotent.
func Merge(a, b Clock) Clock {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(Clock, n)
	for i := 0; i < n; i++ {
		av, bv := at(a, i), at(b, i)
		if av > bv {
			out[i] = av
		} else {
			out[i] = bv
		}
	}
	return out
}

// Tick returns a copy of c with column 0 (the owning tree's own counter)
// advanced by one, extending c if it is empty.
func (c Clock) Tick() Clock {
	out := c.Clone()
	if len(out) == 0 {
		out = make(Clock, 1)
	}
	out[0]++
	return out
}

// Columns maps a column index to the uuid of the tree it represents. Column
// 0 is always the clock's own tree.
type Columns []string

// Remap translates remoteClock, indexed by remoteColumns, into a clock
// indexed by localColumns. Any remoteColumns entry absent from localColumns
// is appended to the returned columns slice (the caller is expected to
// create a placeholder VCLOCK tree for it). Remap preserves
// Compare's result when both sides of a comparison are remapped into a
// common superset of columns.
func Remap(remoteClock Clock, remoteColumns, localColumns Columns) (Clock, Columns) {
	cols := make(Columns, len(localColumns))
	copy(cols, localColumns)
	index := make(map[string]int, len(cols))
	for i, u := range cols {
		index[u] = i
	}

	out := make(Clock, len(cols))
	for i, u := range remoteColumns {
		if i >= len(remoteClock) {
			break
		}
		li, ok := index[u]
		if !ok {
			li = len(cols)
			cols = append(cols, u)
			out = append(out, 0)
			index[u] = li
		}
		out[li] = remoteClock[i]
	}
	return out, cols
}

func (c Clock) String() string {
	return fmt.Sprintf("%v", []int32(c))
}
