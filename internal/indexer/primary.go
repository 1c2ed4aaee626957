package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PrimarySource implements Capability against the private, local indexer
// of §6 (`/api/v1/...`). It is aggressive: larger batches, more
// concurrency, smaller delays, no exponential backoff — the throughput
// knobs live in config.SourceSettings, applied by Client, not here.
type PrimarySource struct {
	http *httpSource
}

// NewPrimarySource constructs a primary-source capability implementation.
// txFetchLimit caps how many transactions a fetched block keeps
// (SourceSettings.TransactionFetchLimit).
func NewPrimarySource(baseURL string, client httpGetter, timeout time.Duration, txFetchLimit int) *PrimarySource {
	return &PrimarySource{http: &httpSource{baseURL: baseURL, client: client, timeout: timeout, txFetchLimit: txFetchLimit}}
}

func (p *PrimarySource) ChainHeight(ctx context.Context) (int64, error) {
	var raw json.RawMessage
	if err := p.http.getJSON(ctx, "/api/v1/status", &raw); err != nil {
		// Probe /api/v1/blocks/latest as the alternate position named in §6.
		if err2 := p.http.getJSON(ctx, "/api/v1/blocks/latest", &raw); err2 != nil {
			return 0, err
		}
	}
	return probeChainHeight(raw)
}

func (p *PrimarySource) GetBlock(ctx context.Context, height int64) (*Block, error) {
	var raw rawBlock
	if err := p.http.getJSON(ctx, fmt.Sprintf("/api/v1/blocks/%d", height), &raw); err != nil {
		return nil, err
	}
	return raw.normalize(p.http.txFetchLimit), nil
}

func (p *PrimarySource) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	var raw rawTx
	if err := p.http.getJSON(ctx, fmt.Sprintf("/api/v1/transactions/%s", txid), &raw); err != nil {
		return nil, err
	}
	tx := raw.normalize()
	return &tx, nil
}

func (p *PrimarySource) GetAddressTransactions(ctx context.Context, addr string) ([]AddressTx, error) {
	var raw []rawAddressTx
	if err := p.http.getJSON(ctx, fmt.Sprintf("/api/v1/addresses/%s/transactions", addr), &raw); err != nil {
		return nil, err
	}
	out := make([]AddressTx, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.normalize())
	}
	return out, nil
}
