package enhcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_SetThenGetHits(t *testing.T) {
	c := newTTLCache(time.Minute)
	c.set("k", "v")
	v, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	hits, misses, saves := c.stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(0), misses)
	assert.Equal(t, int64(1), saves)
}

func TestTTLCache_ExpiredEntryEvictsLazily(t *testing.T) {
	c := newTTLCache(-time.Second) // already expired
	c.set("k", "v")
	_, ok := c.get("k")
	assert.False(t, ok)
}

func TestTTLCache_NegativeResultCached(t *testing.T) {
	c := newTTLCache(time.Minute)
	c.set("k", nil)
	v, ok := c.get("k")
	require.True(t, ok)
	assert.Nil(t, v)
}

func TestCache_IndependentSubCaches(t *testing.T) {
	c := New()
	c.SetWalletTx("addr1", []string{"tx1"})
	c.SetCoinbaseResult("addr1", 0, 100, true)

	_, ok := c.GetOperatorStatus("addr1")
	assert.False(t, ok, "operator-status cache must be independent of wallet-tx cache")

	v, ok := c.GetWalletTx("addr1")
	require.True(t, ok)
	assert.Equal(t, []string{"tx1"}, v)
}

func TestCache_ClearExpiredRemovesStaleEntries(t *testing.T) {
	c := New()
	c.operatorStatus = newTTLCache(-time.Second)
	c.operatorStatus.set("addr1", true)
	c.ClearExpired()
	assert.Equal(t, 0, c.operatorStatus.lru.Len())
}
