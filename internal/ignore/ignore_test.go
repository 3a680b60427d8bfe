package ignore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPatternsIgnoreMetadataFiles(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	assert.True(t, m.Ignored("/home/user/tree/.zisync.meta"))
	assert.True(t, m.Ignored("/home/user/tree/sub/.zstm1234"))
	assert.True(t, m.Ignored(".zstm"))
	assert.False(t, m.Ignored("/home/user/tree/notes.txt"))
	assert.False(t, m.Ignored("zisync.meta")) // missing leading dot must not match
}

func TestCustomPatterns(t *testing.T) {
	m, err := New([]string{"*.tmp"})
	require.NoError(t, err)
	assert.True(t, m.Ignored("a/b/c.tmp"))
	assert.False(t, m.Ignored(".zisync.meta"))
}
