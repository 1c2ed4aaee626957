package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// rawOutput mirrors the upstream's scriptPubKey.addresses nesting (§6);
// normalize() lifts it to Output.Addresses.
type rawOutput struct {
	Value        json.Number `json:"value"`
	Addresses    []string    `json:"addresses"`
	ScriptPubKey struct {
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

func (r rawOutput) addresses() []string {
	if len(r.Addresses) > 0 {
		return r.Addresses
	}
	return r.ScriptPubKey.Addresses
}

type rawInput struct {
	Txid      string   `json:"txid"`
	Vout      int      `json:"vout"`
	Addresses []string `json:"addresses"`
}

type rawTx struct {
	Txid string      `json:"txid"`
	Kind string      `json:"kind"`
	Vin  []rawInput  `json:"vin"`
	Vout []rawOutput `json:"vout"`
}

func (r rawTx) normalize() Tx {
	tx := Tx{Txid: r.Txid, Kind: r.Kind}
	for _, in := range r.Vin {
		tx.Vin = append(tx.Vin, Input{PrevTxid: in.Txid, PrevVout: in.Vout, PrevAddresses: in.Addresses})
	}
	for _, out := range r.Vout {
		val, _ := out.Value.Float64()
		tx.Vout = append(tx.Vout, Output{Addresses: out.addresses(), Value: val / 1e8})
	}
	return tx
}

type rawBlock struct {
	Height     int64       `json:"height"`
	Hash       string      `json:"hash"`
	Time       int64       `json:"time"`
	Tx         []string    `json:"tx"`
	TxDetails  []rawTx     `json:"txDetails"`
	Txs        []rawTx     `json:"txs"`
}

// httpGetter is the minimal surface of *http.Client used by httpSource, so
// tests can swap in a stub.
type httpGetter interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpSource is the shared HTTP/JSON plumbing behind both the primary and
// fallback capability implementations; only the endpoint paths and chain
// height probing differ between them.
type httpSource struct {
	baseURL string
	client  httpGetter
	timeout time.Duration

	// txFetchLimit caps how many transactions of a fetched block are kept,
	// per source (§4.3 SourceSettings.TransactionFetchLimit).
	txFetchLimit int
}

func (s *httpSource) getJSON(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "indexer: building request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "indexer: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{}
	}
	if resp.StatusCode >= 500 {
		return &TransientError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("indexer: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ShapeMismatchError{Cause: err}
	}
	return nil
}

// TransientError marks a 5xx/timeout response recoverable by retry+backoff
// (§7).
type TransientError struct {
	StatusCode int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("indexer: transient upstream error (status %d)", e.StatusCode)
}

// RateLimitedError marks an HTTP 429 response from either source (§4.3,
// §7).
type RateLimitedError struct{}

func (e *RateLimitedError) Error() string { return "indexer: rate limited (429)" }

// ShapeMismatchError marks a data-shape mismatch (§7): the record is
// skipped by the caller, never propagated further.
type ShapeMismatchError struct {
	Cause error
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("indexer: response shape mismatch: %v", e.Cause)
}

func (e *ShapeMismatchError) Unwrap() error { return e.Cause }

// probeChainHeight extracts a chain height from whichever shape the
// status/latest-block endpoint returns (§4.3: "implementations extract
// the height from whichever shape the source returns (nested or flat)").
func probeChainHeight(raw json.RawMessage) (int64, error) {
	var flat struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Height > 0 {
		return flat.Height, nil
	}
	var nested struct {
		Info struct {
			Blocks int64 `json:"blocks"`
		} `json:"info"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Info.Blocks > 0 {
		return nested.Info.Blocks, nil
	}
	var blockshape struct {
		Blocks int64 `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &blockshape); err == nil && blockshape.Blocks > 0 {
		return blockshape.Blocks, nil
	}
	return 0, errors.New("indexer: could not locate chain height in response")
}

// normalize builds a Block from the raw shape, dropping every transaction
// that carries a kind other than "transfer" (coinbase, node_confirmation)
// before it ever reaches a caller; transactions with no kind at all are
// kept. The survivors are then capped at limit
// (SourceSettings.TransactionFetchLimit). limit <= 0 means unbounded.
func (b rawBlock) normalize(limit int) *Block {
	out := &Block{Height: b.Height, Hash: b.Hash, Time: b.Time}
	details := b.TxDetails
	if len(details) == 0 {
		details = b.Txs
	}
	for _, t := range details {
		if t.Kind != "" && t.Kind != KindTransfer {
			continue
		}
		if limit > 0 && len(out.Txs) >= limit {
			break
		}
		out.Txs = append(out.Txs, t.normalize())
	}
	return out
}

type rawAddressTx struct {
	Txid        string `json:"txid"`
	BlockHeight int64  `json:"blockHeight"`
	Timestamp   int64  `json:"timestamp"`
	Direction   string `json:"direction"`
	IsCoinbase  bool   `json:"isCoinbase"`
}

func (r rawAddressTx) normalize() AddressTx {
	return AddressTx{
		Txid:        r.Txid,
		BlockHeight: r.BlockHeight,
		Timestamp:   r.Timestamp,
		Direction:   Direction(r.Direction),
		IsCoinbase:  r.IsCoinbase,
	}
}
