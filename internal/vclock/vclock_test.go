package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareTotalAndReflexive(t *testing.T) {
	cases := []struct {
		a, b Clock
		want Order
	}{
		{Clock{0, 0}, Clock{0, 0}, Equal},
		{Clock{1, 0}, Clock{1, 0}, Equal},
		{Clock{0, 1}, Clock{1, 1}, Less},
		{Clock{1, 1}, Clock{0, 1}, Greater},
		{Clock{1, 0}, Clock{0, 1}, Concurrent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Compare(c.a, c.b))
		assert.Equal(t, Equal, Compare(c.a, c.a))
		assert.Equal(t, Equal, Compare(c.b, c.b))
	}
}

func TestCompareAntisymmetricOverEqual(t *testing.T) {
	a := Clock{2, 3}
	b := Clock{2, 3}
	assert.Equal(t, Equal, Compare(a, b))
	assert.Equal(t, Equal, Compare(b, a))
}

func TestCompareDifferentLengthsTreatedAsZeroPadded(t *testing.T) {
	assert.Equal(t, Less, Compare(Clock{0}, Clock{0, 1}))
	assert.Equal(t, Greater, Compare(Clock{0, 1}, Clock{0}))
}

func TestMergeCommutativeAssociativeIdempotent(t *testing.T) {
	a := Clock{1, 0, 3}
	b := Clock{0, 2, 1}
	c := Clock{5, 0, 0}

	assert.Equal(t, Merge(a, b), Merge(b, a))
	assert.Equal(t, Merge(Merge(a, b), c), Merge(a, Merge(b, c)))
	assert.Equal(t, a, Merge(a, a))
}

func TestMergeIsComponentwiseMax(t *testing.T) {
	got := Merge(Clock{1, 5, 0}, Clock{3, 2, 9})
	assert.Equal(t, Clock{3, 5, 9}, got)
}

func TestMergeGreaterOrEqualToEitherOperand(t *testing.T) {
	a := Clock{4, 1}
	b := Clock{1, 4}
	m := Merge(a, b)
	assert.Contains(t, []Order{Greater, Equal}, Compare(m, a))
	assert.Contains(t, []Order{Greater, Equal}, Compare(m, b))
}

func TestTickAdvancesOwnColumnOnly(t *testing.T) {
	c := Clock{0, 5, 2}
	got := c.Tick()
	assert.Equal(t, Clock{1, 5, 2}, got)
	assert.Equal(t, Clock{0, 5, 2}, c, "Tick must not mutate receiver")
}

func TestTickFromEmpty(t *testing.T) {
	var c Clock
	assert.Equal(t, Clock{1}, c.Tick())
}

func TestRemapKnownColumnsPreserved(t *testing.T) {
	remoteCols := Columns{"B", "A"}
	remoteClock := Clock{7, 3}
	localCols := Columns{"A", "B"}

	got, cols := Remap(remoteClock, remoteCols, localCols)
	assert.Equal(t, Columns{"A", "B"}, cols)
	assert.Equal(t, Clock{3, 7}, got)
}

func TestRemapUnknownColumnAppended(t *testing.T) {
	remoteCols := Columns{"A", "C"}
	remoteClock := Clock{1, 9}
	localCols := Columns{"A"}

	got, cols := Remap(remoteClock, remoteCols, localCols)
	assert.Equal(t, Columns{"A", "C"}, cols)
	assert.Equal(t, Clock{1, 9}, got)
}

func TestRemapPreservesComparisonInCommonSuperset(t *testing.T) {
	// a's own clock, columns [A, B]
	aCols := Columns{"A", "B"}
	aClock := Clock{2, 1}

	// b's own clock, columns [B, A], concurrent with a pre-remap in its
	// own basis but must compare identically once both are expressed
	// over the same superset of columns.
	bCols := Columns{"B", "A"}
	bClock := Clock{1, 2}

	remappedA, superset := Remap(aClock, aCols, bCols)
	remappedB, _ := Remap(bClock, bCols, superset)

	direct := Compare(aClock, Clock{bClock[1], bClock[0]}) // b expressed in A's basis by hand
	assert.Equal(t, direct, Compare(remappedA, remappedB))
}
