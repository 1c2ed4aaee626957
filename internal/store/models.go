// Package store implements §3 (the data model) and §4.2 (the Store
// component): durable persistence, atomic batch writes, range reads, and
// retention management, backed by a single embedded SQL file (gorm +
// sqlite, WAL journaling) per §6. Grounded on the teacher's Repository
// interface shape (datasync/chaindatafetcher/common/common.go) and its
// checkpoint read/write contract, adapted here onto a SQL schema instead
// of the teacher's KV engines.
package store

import (
	"encoding/json"
	"time"
)

// FlowType is the semantic classification of §3.
type FlowType string

const (
	FlowBuying FlowType = "buying"
	FlowSelling FlowType = "selling"
	FlowP2P     FlowType = "p2p"
)

// DataSource marks whether a FlowEvent still reflects the ingestion
// pipeline's sync-time classification or has been rewritten by the
// enhancement engine.
type DataSource string

const (
	DataSourceSync     DataSource = "sync"
	DataSourceEnhanced DataSource = "enhanced"
)

// Block is the immutable-by-height row of §3.
type Block struct {
	Height    int64 `gorm:"primary_key;column:height"`
	Hash      string `gorm:"column:hash"`
	Time      int64  `gorm:"column:time;index"`
	TxCount   int    `gorm:"column:tx_count"`
	ByteSize  int    `gorm:"column:byte_size"`
}

func (Block) TableName() string { return "blocks" }

// Transaction is the per-txid row of §3.
type Transaction struct {
	Txid        string `gorm:"primary_key;column:txid"`
	BlockHeight int64  `gorm:"column:block_height;index"`
	VinCount    int    `gorm:"column:vin_count"`
	VoutCount   int    `gorm:"column:vout_count"`
	ValueIn     float64 `gorm:"column:value_in"`
	ValueOut    float64 `gorm:"column:value_out"`
}

func (Transaction) TableName() string { return "transactions" }

// FlowEvent is the central entity of §3.
type FlowEvent struct {
	ID    int64  `gorm:"primary_key;column:id"`
	Txid  string `gorm:"column:txid;unique_index:idx_txid_vout"`
	Vout  int    `gorm:"column:vout;unique_index:idx_txid_vout"`

	BlockHeight int64 `gorm:"column:block_height;index"`
	BlockTime   int64 `gorm:"column:block_time;index"`

	FromAddress string          `gorm:"column:from_address;index"`
	FromType    string          `gorm:"column:from_type;index"`
	FromDetails json.RawMessage `gorm:"column:from_details;type:text"`

	ToAddress string          `gorm:"column:to_address;index"`
	ToType    string          `gorm:"column:to_type;index"`
	ToDetails json.RawMessage `gorm:"column:to_details;type:text"`

	FlowType string  `gorm:"column:flow_type;index"`
	Amount   float64 `gorm:"column:amount"`

	ClassificationLevel int             `gorm:"column:classification_level;index"`
	IntermediaryWallet  *string         `gorm:"column:intermediary_wallet"`
	HopChain            json.RawMessage `gorm:"column:hop_chain;type:text"`
	AnalysisTimestamp   *int64          `gorm:"column:analysis_timestamp"`
	DataSource          string          `gorm:"column:data_source;index"`
}

func (FlowEvent) TableName() string { return "flow_events" }

// DecodeHopChain unmarshals the JSON-encoded hop chain, returning nil for
// an empty/absent column.
func (f *FlowEvent) DecodeHopChain() ([]string, error) {
	if len(f.HopChain) == 0 {
		return nil, nil
	}
	var chain []string
	if err := json.Unmarshal(f.HopChain, &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// EncodeHopChain sets HopChain (and the redundant IntermediaryWallet
// convenience column, per §9: "the chain's zeroth element" is canonical).
func (f *FlowEvent) EncodeHopChain(chain []string) error {
	if len(chain) == 0 {
		f.HopChain = nil
		f.IntermediaryWallet = nil
		return nil
	}
	raw, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	f.HopChain = raw
	first := chain[0]
	f.IntermediaryWallet = &first
	return nil
}

// SyncState is the scheduler checkpoint scratchpad of §3.
type SyncState struct {
	Key   string `gorm:"primary_key;column:key"`
	Value string `gorm:"column:value"`
}

func (SyncState) TableName() string { return "sync_state" }

// Stats is the return shape of Store.GetStats (§4.2).
type Stats struct {
	BlockCount       int64
	TxCount          int64
	FlowEventCount   int64
	ByFlowType       map[string]int64
	ByLevelAndSource map[string]int64
	ByteSize         int64
	MinHeight        int64
	MaxHeight        int64
}

// UnknownWallets is the return shape of Store.GetUnknownWallets (§4.2).
type UnknownWallets struct {
	Buys  []FlowEvent
	Sells []FlowEvent
	Total int
}

// ClassificationPatch is a partial update over the enhancement-bookkeeping
// columns plus the rewritable side columns, per §4.2's
// update_flow_event_classification contract. Nil fields are left
// untouched.
type ClassificationPatch struct {
	ClassificationLevel *int
	IntermediaryWallet   *string
	HopChain             []string
	HopChainSet          bool
	AnalysisTimestamp    *int64
	DataSource           *string
	FromType             *string
	FromDetails          json.RawMessage
	ToType               *string
	ToDetails            json.RawMessage
}

var nowFunc = time.Now

// Now returns the current time; indirected through a package variable so
// tests can freeze it deterministically.
func Now() time.Time { return nowFunc() }
