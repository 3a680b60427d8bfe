package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendAndSince(t *testing.T) {
	m := NewManager(10)
	m.Append(Record{TreeID: "t1", Path: "a", Code: CodeInsert})
	m.Append(Record{TreeID: "t1", Path: "b", Code: CodeUpdate})
	m.Append(Record{TreeID: "t2", Path: "c", Code: CodeInsert})

	got := m.Since("t1", -1)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Path)
	assert.Equal(t, "b", got[1].Path)

	none := m.Since("t1", got[1].USN)
	assert.Empty(t, none)
}

func TestCapacityBound(t *testing.T) {
	m := NewManager(2)
	for i := 0; i < 5; i++ {
		m.Append(Record{TreeID: "t1", Path: "p"})
	}
	got := m.Since("t1", -1)
	assert.Len(t, got, 2)
}
