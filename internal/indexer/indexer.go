// Package indexer implements §4.3: a source-agnostic client over the two
// upstream data sources of §6, normalizing block/transaction shapes and
// managing primary→fallback switching with per-source throughput tuning.
// Grounded on the teacher's polymorphic-source design note (§9) and its
// own BlockChain capability-interface idiom
// (datasync/chaindatafetcher/chaindata_fetcher.go's `BlockChain interface`).
package indexer

import (
	"context"
)

// Tx is the normalized transaction shape returned by GetBlock/GetTransaction
// (§6): scriptPubKey.addresses is always lifted to Addresses by the time a
// caller sees this struct.
type Tx struct {
	Txid string
	Kind string // "transfer", "coinbase", "node_confirmation", or "" when unknown
	Vin  []Input
	Vout []Output
}

// Transaction kinds named in §4.3/§6. kind = transfer is the only one
// relevant to flow classification; coinbase and node-confirmation
// transactions are dropped before a block's transactions reach the
// ingestion pipeline.
const (
	KindTransfer         = "transfer"
	KindCoinbase         = "coinbase"
	KindNodeConfirmation = "node_confirmation"
)

// Input is one transaction input; PrevAddresses holds the spent output's
// owning address(es) as the source reports them inline. It is empty when
// the source omits them; callers read PrevAddresses only and do not look
// the spent output up via PrevTxid.
type Input struct {
	PrevTxid      string
	PrevVout      int
	PrevAddresses []string
}

// Output is one transaction output.
type Output struct {
	Addresses []string
	Value     float64 // in FLUX, already divided by 1e8
}

// Block is the normalized block shape of §6.
type Block struct {
	Height int64
	Hash   string
	Time   int64
	Txs    []Tx
}

// AddressTx is one entry of the chronological per-wallet history returned
// by GetAddressTransactions (§4.3/§6).
type AddressTx struct {
	Txid        string
	BlockHeight int64
	Timestamp   int64
	Direction   Direction
	IsCoinbase  bool
}

// Direction is "sent" or "received" relative to the queried wallet.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Capability is the polymorphic-source capability set of §9: both the
// primary and fallback implementations satisfy this interface;
// source-specific tuning lives beside the capability, not inside callers.
type Capability interface {
	ChainHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, height int64) (*Block, error)
	GetTransaction(ctx context.Context, txid string) (*Tx, error)
	GetAddressTransactions(ctx context.Context, addr string) ([]AddressTx, error)
}
