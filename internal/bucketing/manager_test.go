package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"keyauth-service/internal/config"
)

func testManager() *Manager {
	return NewManager(&config.Config{
		Bucketing: config.BucketingConfig{
			IdentityBuckets: 64,
			EventBuckets:    16,
		},
	})
}

func TestBucketsAreStable(t *testing.T) {
	t.Parallel()

	m := testManager()
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user%d@example.com", i)
		first := m.GetIdentityBucket(key)
		assert.Equal(t, first, m.GetIdentityBucket(key))
		assert.Equal(t, first, testManager().GetIdentityBucket(key), "bucket must survive restarts")
	}
}

func TestBucketsStayInRange(t *testing.T) {
	t.Parallel()

	m := testManager()
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		b := m.GetIdentityBucket(fmt.Sprintf("identity-%d", i))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
		seen[b] = true

		e := m.GetEventBucket(fmt.Sprintf("identity-%d", i))
		assert.GreaterOrEqual(t, e, 0)
		assert.Less(t, e, 16)
	}
	// 1000 keys over 64 buckets should touch most of them.
	assert.Greater(t, len(seen), 32)
}

func TestZeroBucketsDegradesToSingleBucket(t *testing.T) {
	t.Parallel()

	m := NewManager(&config.Config{})
	assert.Equal(t, 0, m.GetIdentityBucket("anything"))
	assert.Equal(t, 0, m.GetEventBucket("anything"))
}

func TestDateBucketIsUTCDay(t *testing.T) {
	t.Parallel()

	m := testManager()
	// 23:30 in UTC-5 is already the next day in UTC
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2025, 3, 1, 23, 30, 0, 0, loc)
	assert.Equal(t, "2025-03-02", m.GetDateBucket(at))
}
