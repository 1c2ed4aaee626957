// Package enhcache implements §4.6: five independent TTL caches that
// suppress redundant upstream calls during one enhancement run (and
// across runs, up to TTL). Grounded on the teacher's lruCache wrapper
// idiom (common/cache.go), adapted to hold {value, expiresAt} entries
// with a lazy-eviction get.
package enhcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	walletTxTTL             = 5 * time.Minute
	coinbaseResultTTL       = 60 * time.Minute
	historicalConnectionTTL = 60 * time.Minute
	operatorStatusTTL       = 5 * time.Minute
	transactionBodyTTL      = 10 * time.Minute

	defaultCacheSize = 4096
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// ttlCache wraps an LRU cache with lazy TTL eviction and hit/miss/save
// counters.
type ttlCache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	ttl   time.Duration
	hits  int64
	misses int64
	saves int64
}

func newTTLCache(ttl time.Duration) *ttlCache {
	l, _ := lru.New(defaultCacheSize)
	return &ttlCache{lru: l, ttl: ttl}
}

// get evicts the entry lazily if expired, and reports a hit/miss.
func (c *ttlCache) get(key interface{}) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	e := raw.(entry)
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// set stores value (which may be nil, to cache a negative result, per
// §4.6: "Negative results are cached with equal TTL").
func (c *ttlCache) set(key interface{}, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry{value: value, expiresAt: time.Now().Add(c.ttl)})
	c.saves++
}

// clearExpired sweeps every key, dropping expired entries. Called
// opportunistically at end-of-run (§4.6).
func (c *ttlCache) clearExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, key := range c.lru.Keys() {
		raw, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.After(raw.(entry).expiresAt) {
			c.lru.Remove(key)
		}
	}
}

func (c *ttlCache) stats() (hits, misses, saves int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.saves
}

// coinbaseKey is the structured key of the coinbase-result cache.
type coinbaseKey struct {
	Address   string
	FromBlock int64
	ToBlock   int64
}

// historicalConnectionKey is the structured key of the historical-
// connection cache.
type historicalConnectionKey struct {
	Address   string
	Direction string
	FromBlock int64
}

// Cache bundles the five independent sub-caches of §4.6.
type Cache struct {
	walletTx             *ttlCache
	coinbaseResult       *ttlCache
	historicalConnection *ttlCache
	operatorStatus       *ttlCache
	transactionBody      *ttlCache
}

// New constructs the five sub-caches at their suggested TTLs.
func New() *Cache {
	return &Cache{
		walletTx:             newTTLCache(walletTxTTL),
		coinbaseResult:       newTTLCache(coinbaseResultTTL),
		historicalConnection: newTTLCache(historicalConnectionTTL),
		operatorStatus:       newTTLCache(operatorStatusTTL),
		transactionBody:      newTTLCache(transactionBodyTTL),
	}
}

func (c *Cache) GetWalletTx(address string) (interface{}, bool) { return c.walletTx.get(address) }
func (c *Cache) SetWalletTx(address string, value interface{})  { c.walletTx.set(address, value) }

func (c *Cache) GetCoinbaseResult(address string, fromBlock, toBlock int64) (interface{}, bool) {
	return c.coinbaseResult.get(coinbaseKey{Address: address, FromBlock: fromBlock, ToBlock: toBlock})
}
func (c *Cache) SetCoinbaseResult(address string, fromBlock, toBlock int64, value interface{}) {
	c.coinbaseResult.set(coinbaseKey{Address: address, FromBlock: fromBlock, ToBlock: toBlock}, value)
}

func (c *Cache) GetHistoricalConnection(address, direction string, fromBlock int64) (interface{}, bool) {
	return c.historicalConnection.get(historicalConnectionKey{Address: address, Direction: direction, FromBlock: fromBlock})
}
func (c *Cache) SetHistoricalConnection(address, direction string, fromBlock int64, value interface{}) {
	c.historicalConnection.set(historicalConnectionKey{Address: address, Direction: direction, FromBlock: fromBlock}, value)
}

func (c *Cache) GetOperatorStatus(address string) (interface{}, bool) {
	return c.operatorStatus.get(address)
}
func (c *Cache) SetOperatorStatus(address string, value interface{}) {
	c.operatorStatus.set(address, value)
}

func (c *Cache) GetTransactionBody(txid string) (interface{}, bool) {
	return c.transactionBody.get(txid)
}
func (c *Cache) SetTransactionBody(txid string, value interface{}) {
	c.transactionBody.set(txid, value)
}

// ClearExpired sweeps every sub-cache. Intended to be called once at the
// end of an enhancement run.
func (c *Cache) ClearExpired() {
	c.walletTx.clearExpired()
	c.coinbaseResult.clearExpired()
	c.historicalConnection.clearExpired()
	c.operatorStatus.clearExpired()
	c.transactionBody.clearExpired()
}

// Stats is a point-in-time snapshot of the five sub-caches' counters,
// useful for status reporting (§6).
type Stats struct {
	WalletTxHits, WalletTxMisses, WalletTxSaves                            int64
	CoinbaseResultHits, CoinbaseResultMisses, CoinbaseResultSaves          int64
	HistoricalConnectionHits, HistoricalConnectionMisses, HistoricalConnectionSaves int64
	OperatorStatusHits, OperatorStatusMisses, OperatorStatusSaves          int64
	TransactionBodyHits, TransactionBodyMisses, TransactionBodySaves      int64
}

// Stats reports hit/miss/save counters across every sub-cache.
func (c *Cache) Stats() Stats {
	var s Stats
	s.WalletTxHits, s.WalletTxMisses, s.WalletTxSaves = c.walletTx.stats()
	s.CoinbaseResultHits, s.CoinbaseResultMisses, s.CoinbaseResultSaves = c.coinbaseResult.stats()
	s.HistoricalConnectionHits, s.HistoricalConnectionMisses, s.HistoricalConnectionSaves = c.historicalConnection.stats()
	s.OperatorStatusHits, s.OperatorStatusMisses, s.OperatorStatusSaves = c.operatorStatus.stats()
	s.TransactionBodyHits, s.TransactionBodyMisses, s.TransactionBodySaves = c.transactionBody.stats()
	return s
}
