package discover

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ivanw/zisync/internal/content"
)

func TestAccountSHA1Deterministic(t *testing.T) {
	a := AccountSHA1("alice@example.com")
	b := AccountSHA1("alice@example.com")
	c := AccountSHA1("bob@example.com")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSyncSHA1Deterministic(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, SyncSHA1(id), SyncSHA1(id))
}

func TestCacheWriterRecordsPeers(t *testing.T) {
	dir := t.TempDir()
	store, err := content.Open(filepath.Join(dir, "content.db"))
	require.NoError(t, err)
	defer store.Close()

	dev := uuid.New()
	w := &CacheWriter{Store: store}
	w.Record([]Peer{{DeviceUUID: dev, IP: "10.0.0.5", Port: 22586}})

	entry, ok := store.Peer(dev)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", entry.IP)
	assert.False(t, entry.Static)
}
