package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"keyauth-service/internal/config"
)

// Manager assigns identities and security events to fixed partition
// buckets. Murmur3 keeps the assignment stable across restarts so the
// same identifier always lands in the same Scylla partition.
type Manager struct {
	identityBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		identityBuckets: cfg.Bucketing.IdentityBuckets,
		eventBuckets:    cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on hot paths
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// GetIdentityBucket returns a consistent bucket for an identity key
// (0 to identityBuckets-1).
func (m *Manager) GetIdentityBucket(key string) int {
	return m.getBucket(key, m.identityBuckets)
}

// GetEventBucket returns the partition bucket for security events.
func (m *Manager) GetEventBucket(identifier string) int {
	return m.getBucket(identifier, m.eventBuckets)
}

// GetDateBucket returns the per-day bucket used in event partition keys.
func (m *Manager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.getHash(key) % uint64(numBuckets))
}

func (m *Manager) getHash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (m *Manager) IdentityBuckets() int {
	return m.identityBuckets
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}
