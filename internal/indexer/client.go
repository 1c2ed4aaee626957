package indexer

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/2ndtlmining/fluxflow/internal/config"
	"github.com/2ndtlmining/fluxflow/internal/logging"
)

// Client hides the difference between the two upstream sources behind the
// Capability interface, applies the three-attempt retry+backoff policy of
// §4.3, and switches sources on repeated failure. The switch is one-shot
// per call so the system cannot ping-pong mid-request (§4.3).
type Client struct {
	cfg *config.Config

	mu      sync.RWMutex // guards active + settings so callers never observe torn settings mid-call (§5)
	active  config.DataSourceName
	sources map[config.DataSourceName]Capability
	settings map[config.DataSourceName]config.SourceSettings

	consecutiveErrors int64 // atomic; saturates at zero per §7/P10
	fallbackDelay     int64 // atomic nanoseconds; doubles on 429 per §4.3/P10

	log zerolog.Logger
}

// New constructs a Client wired to the primary and fallback HTTP base
// URLs named in the configuration contract of §6.
func New(cfg *config.Config, primaryBaseURL, fallbackBaseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		cfg:    cfg,
		active: cfg.ActiveDataSource,
		log:    logging.NewModuleLogger("indexer"),
		settings: map[config.DataSourceName]config.SourceSettings{
			config.SourcePrimary:  cfg.Primary,
			config.SourceFallback: cfg.Fallback,
		},
	}
	c.sources = map[config.DataSourceName]Capability{
		config.SourcePrimary:  NewPrimarySource(primaryBaseURL, httpClient, cfg.Primary.RequestTimeout, cfg.Primary.TransactionFetchLimit),
		config.SourceFallback: NewFallbackSource(fallbackBaseURL, httpClient, cfg.Fallback.RequestTimeout, cfg.Fallback.TransactionFetchLimit),
	}
	atomic.StoreInt64(&c.fallbackDelay, int64(cfg.Fallback.MinRequestDelay))
	return c
}

// ActiveSource reports the currently-selected upstream source.
func (c *Client) ActiveSource() config.DataSourceName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ActiveSettings returns the tuning knobs for the currently-selected
// source, re-read only when the source switches (§5 "the configuration
// ... is re-read by the Indexer Client only when the source switches").
func (c *Client) ActiveSettings() config.SourceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.settings[c.active]
	if c.active == config.SourceFallback {
		s.MinRequestDelay = time.Duration(atomic.LoadInt64(&c.fallbackDelay))
	}
	return s
}

// ConsecutiveErrors reports the current saturating error counter (§7/P10).
func (c *Client) ConsecutiveErrors() int64 {
	return atomic.LoadInt64(&c.consecutiveErrors)
}

func (c *Client) recordSuccess() {
	for {
		cur := atomic.LoadInt64(&c.consecutiveErrors)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&c.consecutiveErrors, cur, cur-1) {
			return
		}
	}
}

func (c *Client) recordFailure() {
	atomic.AddInt64(&c.consecutiveErrors, 1)
}

// doubleFallbackDelay implements §4.3/§4.4: "the minimum delay itself
// doubles with consecutive errors" on the conservative source's 429s.
func (c *Client) doubleFallbackDelay() {
	for {
		cur := atomic.LoadInt64(&c.fallbackDelay)
		next := cur * 2
		maxDelay := int64(30 * time.Second)
		if next > maxDelay {
			next = maxDelay
		}
		if atomic.CompareAndSwapInt64(&c.fallbackDelay, cur, next) {
			return
		}
	}
}

func (c *Client) switchSource() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == config.SourcePrimary {
		c.active = config.SourceFallback
	} else {
		c.active = config.SourcePrimary
	}
	c.log.Warn().Str("newSource", string(c.active)).Msg("indexer: switched source after repeated failure")
}

func (c *Client) capability() (config.DataSourceName, Capability) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.sources[c.active]
}

// settingsFor returns the static tuning knobs configured for name, without
// the fallback-delay override ActiveSettings applies for the active
// source. Used by call to decide whether rate limiting applies to the
// source a given attempt is actually running against.
func (c *Client) settingsFor(name config.DataSourceName) config.SourceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings[name]
}

// call runs fn against the currently-active source with a three-attempt
// exponential backoff; on exhaustion it switches sources exactly once and
// returns the last error. It never switches more than once per call.
func (c *Client) call(ctx context.Context, fn func(Capability) error) error {
	source, cap := c.capability()
	settings := c.settingsFor(source)

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2) // 3 total attempts
	policy = backoff.WithContext(policy, ctx)

	var lastErr error
	op := func() error {
		err := fn(cap)
		if err == nil {
			c.recordSuccess()
			return nil
		}
		lastErr = err
		c.recordFailure()
		if rl, ok := err.(*RateLimitedError); ok {
			_ = rl
			if settings.EnableRateLimiting {
				c.doubleFallbackDelay()
			}
			return err
		}
		if _, ok := err.(*ShapeMismatchError); ok {
			// Data-shape mismatches are not retried; caller skips the record (§7).
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		if _, ok := lastErr.(*ShapeMismatchError); !ok {
			c.switchSource()
		}
		return lastErr
	}
	return nil
}

// ChainHeight returns the current tip (§4.3).
func (c *Client) ChainHeight(ctx context.Context) (int64, error) {
	var height int64
	err := c.call(ctx, func(cap Capability) error {
		h, err := cap.ChainHeight(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// GetBlock returns a normalized block (§4.3).
func (c *Client) GetBlock(ctx context.Context, height int64) (*Block, error) {
	var block *Block
	err := c.call(ctx, func(cap Capability) error {
		b, err := cap.GetBlock(ctx, height)
		if err != nil {
			return err
		}
		block = b
		return nil
	})
	return block, err
}

// GetTransaction returns a full transaction body (§4.3).
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	var tx *Tx
	err := c.call(ctx, func(cap Capability) error {
		t, err := cap.GetTransaction(ctx, txid)
		if err != nil {
			return err
		}
		tx = t
		return nil
	})
	return tx, err
}

// GetAddressTransactions returns a wallet's chronological transaction
// list (§4.3).
func (c *Client) GetAddressTransactions(ctx context.Context, addr string) ([]AddressTx, error) {
	var txs []AddressTx
	err := c.call(ctx, func(cap Capability) error {
		t, err := cap.GetAddressTransactions(ctx, addr)
		if err != nil {
			return err
		}
		txs = t
		return nil
	})
	return txs, err
}
