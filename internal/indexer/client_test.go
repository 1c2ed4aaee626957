package indexer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2ndtlmining/fluxflow/internal/config"
)

// fakeCapability is a scripted Capability stub for exercising Client's
// retry and source-switch behavior without a real HTTP round trip.
type fakeCapability struct {
	heightErrs []error
	heightVal  int64
	calls      int
}

func (f *fakeCapability) ChainHeight(ctx context.Context) (int64, error) {
	i := f.calls
	f.calls++
	if i < len(f.heightErrs) {
		return 0, f.heightErrs[i]
	}
	return f.heightVal, nil
}

func (f *fakeCapability) GetBlock(ctx context.Context, height int64) (*Block, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCapability) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCapability) GetAddressTransactions(ctx context.Context, addr string) ([]AddressTx, error) {
	return nil, errors.New("not implemented")
}

func newTestClient(primary, fallback Capability) *Client {
	cfg := config.Default()
	return &Client{
		cfg:    cfg,
		active: cfg.ActiveDataSource,
		sources: map[config.DataSourceName]Capability{
			config.SourcePrimary:  primary,
			config.SourceFallback: fallback,
		},
		settings: map[config.DataSourceName]config.SourceSettings{
			config.SourcePrimary:  cfg.Primary,
			config.SourceFallback: cfg.Fallback,
		},
	}
}

func TestClient_SucceedsWithoutSwitchingOnTransientThenRecover(t *testing.T) {
	primary := &fakeCapability{
		heightErrs: []error{&TransientError{StatusCode: 503}},
		heightVal:  100,
	}
	fallback := &fakeCapability{heightVal: 1}
	c := newTestClient(primary, fallback)

	h, err := c.ChainHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), h)
	assert.Equal(t, config.SourcePrimary, c.ActiveSource())
}

func TestClient_SwitchesSourceAfterExhaustingRetries(t *testing.T) {
	primary := &fakeCapability{
		heightErrs: []error{
			&TransientError{StatusCode: 503},
			&TransientError{StatusCode: 503},
			&TransientError{StatusCode: 503},
		},
	}
	fallback := &fakeCapability{heightVal: 42}
	c := newTestClient(primary, fallback)

	_, err := c.ChainHeight(context.Background())
	require.Error(t, err)
	assert.Equal(t, config.SourceFallback, c.ActiveSource())

	h, err := c.ChainHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), h)
}

func TestClient_ShapeMismatchIsNotRetried(t *testing.T) {
	primary := &fakeCapability{
		heightErrs: []error{&ShapeMismatchError{Cause: errors.New("bad json")}},
	}
	fallback := &fakeCapability{}
	c := newTestClient(primary, fallback)

	_, err := c.ChainHeight(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, primary.calls, "shape mismatch must not be retried")
}

func TestClient_ConsecutiveErrorsSaturatesAtZero(t *testing.T) {
	primary := &fakeCapability{heightVal: 10}
	fallback := &fakeCapability{}
	c := newTestClient(primary, fallback)

	c.recordSuccess()
	assert.Equal(t, int64(0), c.ConsecutiveErrors())

	c.recordFailure()
	c.recordFailure()
	assert.Equal(t, int64(2), c.ConsecutiveErrors())

	c.recordSuccess()
	assert.Equal(t, int64(1), c.ConsecutiveErrors())
}

func TestClient_RateLimitedDoublesFallbackDelay(t *testing.T) {
	primary := &fakeCapability{}
	fallback := &fakeCapability{
		heightErrs: []error{&RateLimitedError{}, &RateLimitedError{}, &RateLimitedError{}},
	}
	c := newTestClient(primary, fallback)
	c.active = config.SourceFallback
	initial := c.settings[config.SourceFallback].MinRequestDelay
	atomic.StoreInt64(&c.fallbackDelay, int64(initial))

	_, err := c.ChainHeight(context.Background())
	require.Error(t, err)

	assert.Greater(t, time.Duration(atomic.LoadInt64(&c.fallbackDelay)), initial)
}

func TestClient_RateLimitedOnPrimaryDoesNotDoubleWhenDisabled(t *testing.T) {
	primary := &fakeCapability{
		heightErrs: []error{&RateLimitedError{}, &RateLimitedError{}, &RateLimitedError{}},
	}
	fallback := &fakeCapability{}
	c := newTestClient(primary, fallback)
	// config.Default()'s primary settings have EnableRateLimiting=false.
	require.False(t, c.settings[config.SourcePrimary].EnableRateLimiting)
	initial := atomic.LoadInt64(&c.fallbackDelay)

	_, err := c.ChainHeight(context.Background())
	require.Error(t, err)

	assert.Equal(t, initial, atomic.LoadInt64(&c.fallbackDelay), "rate-limit doubling must be gated on EnableRateLimiting, not source identity")
}

func TestClient_RateLimitedOnPrimaryDoublesWhenEnabled(t *testing.T) {
	primary := &fakeCapability{
		heightErrs: []error{&RateLimitedError{}, &RateLimitedError{}, &RateLimitedError{}},
	}
	fallback := &fakeCapability{}
	c := newTestClient(primary, fallback)
	primarySettings := c.settings[config.SourcePrimary]
	primarySettings.EnableRateLimiting = true
	c.settings[config.SourcePrimary] = primarySettings
	atomic.StoreInt64(&c.fallbackDelay, int64(c.settings[config.SourceFallback].MinRequestDelay))
	initial := atomic.LoadInt64(&c.fallbackDelay)

	_, err := c.ChainHeight(context.Background())
	require.Error(t, err)

	assert.Greater(t, atomic.LoadInt64(&c.fallbackDelay), initial)
}
