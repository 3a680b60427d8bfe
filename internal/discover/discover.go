// Package discover defines the peer discovery boundary: a Transport
// yields (device_uuid, ip, port, is_ipv6) tuples for either account-wide
// search or per-sync search, keyed by sha1 digests of the account and sync
// identifiers. The DHT and broadcast implementations live outside the
// engine; this package fixes the contract, the digest helpers and a
// CacheWriter for discovered peers. It carries no Transport implementation
// of its own.
package discover

import (
	"context"
	"crypto/sha1"

	"github.com/google/uuid"

	"github.com/Ivanw/zisync/internal/content"
)

// AccountSHA1 hashes an account identifier the way the wire contract
// requires.
func AccountSHA1(account string) [20]byte {
	return sha1.Sum([]byte(account))
}

// SyncSHA1 hashes a sync uuid into the form the sync-uuid search path
// sends.
func SyncSHA1(syncID uuid.UUID) [20]byte {
	return sha1.Sum(syncID[:])
}

// Peer is one discovered address tuple.
type Peer struct {
	DeviceUUID uuid.UUID
	IP         string
	Port       int
	IsIPv6     bool
}

// Transport is the discovery boundary core code depends on. FindAccount
// searches for every device sharing accountSHA1; FindSync narrows the
// search to devices participating in any of syncSHA1s. Real
// implementations (DHT, LAN broadcast) live outside this module.
type Transport interface {
	FindAccount(ctx context.Context, accountSHA1 [20]byte) ([]Peer, error)
	FindSync(ctx context.Context, syncSHA1s [][20]byte) ([]Peer, error)
}

// CacheWriter persists discovered peers into the Content Store's bounded
// peer cache, the way the orchestrator's discover_device operation does
// after every Transport call.
type CacheWriter struct {
	Store *content.Store
}

// Record writes every discovered Peer into the store's LRU cache, tagged
// as a non-static (DHT/broadcast-discovered) entry.
func (w *CacheWriter) Record(peers []Peer) {
	for _, p := range peers {
		w.Store.PutPeer(content.PeerCacheEntry{
			DeviceUUID: p.DeviceUUID,
			IP:         p.IP,
			Port:       p.Port,
			IsIPv6:     p.IsIPv6,
			Static:     false,
		})
	}
}
