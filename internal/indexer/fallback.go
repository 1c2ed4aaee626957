package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FallbackSource implements Capability against the public indexer of §6
// (`/api/v2/...`). It is conservative: smaller batches, fewer concurrent
// requests, inter-request delays, exponential backoff on 429 — those
// throughput knobs live in config.SourceSettings, applied by Client.
type FallbackSource struct {
	http *httpSource
}

// NewFallbackSource constructs a fallback-source capability implementation.
// txFetchLimit caps how many transactions a fetched block keeps
// (SourceSettings.TransactionFetchLimit).
func NewFallbackSource(baseURL string, client httpGetter, timeout time.Duration, txFetchLimit int) *FallbackSource {
	return &FallbackSource{http: &httpSource{baseURL: baseURL, client: client, timeout: timeout, txFetchLimit: txFetchLimit}}
}

func (f *FallbackSource) ChainHeight(ctx context.Context) (int64, error) {
	var raw json.RawMessage
	if err := f.http.getJSON(ctx, "/api/v2", &raw); err != nil {
		return 0, err
	}
	return probeChainHeight(raw)
}

func (f *FallbackSource) GetBlock(ctx context.Context, height int64) (*Block, error) {
	var raw rawBlock
	if err := f.http.getJSON(ctx, fmt.Sprintf("/api/v2/block/%d", height), &raw); err != nil {
		return nil, err
	}
	return raw.normalize(f.http.txFetchLimit), nil
}

func (f *FallbackSource) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	var raw rawTx
	if err := f.http.getJSON(ctx, fmt.Sprintf("/api/v2/tx/%s", txid), &raw); err != nil {
		return nil, err
	}
	tx := raw.normalize()
	return &tx, nil
}

func (f *FallbackSource) GetAddressTransactions(ctx context.Context, addr string) ([]AddressTx, error) {
	var body struct {
		Txs []rawAddressTx `json:"transactions"`
	}
	if err := f.http.getJSON(ctx, fmt.Sprintf("/api/v2/address/%s?details=txs", addr), &body); err != nil {
		return nil, err
	}
	out := make([]AddressTx, 0, len(body.Txs))
	for _, r := range body.Txs {
		out = append(out, r.normalize())
	}
	return out, nil
}
