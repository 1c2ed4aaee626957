package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2ndtlmining/fluxflow/internal/classifier"
	"github.com/2ndtlmining/fluxflow/internal/config"
	"github.com/2ndtlmining/fluxflow/internal/indexer"
	"github.com/2ndtlmining/fluxflow/internal/store"
)

func writeExchangeList(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "exchanges-*.json")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestFlowType_BuyingFromExchange(t *testing.T) {
	assert.Equal(t, store.FlowBuying, flowType(classifier.TypeExchange, classifier.TypeUnknown))
}

func TestFlowType_SellingToExchange(t *testing.T) {
	assert.Equal(t, store.FlowSelling, flowType(classifier.TypeUnknown, classifier.TypeExchange))
}

func TestFlowType_ExchangeToExchangeIsP2P(t *testing.T) {
	assert.Equal(t, store.FlowP2P, flowType(classifier.TypeExchange, classifier.TypeExchange))
}

func TestFlowType_UnknownToUnknownIsP2P(t *testing.T) {
	assert.Equal(t, store.FlowP2P, flowType(classifier.TypeUnknown, classifier.TypeUnknown))
}

func TestHeightRange_Ascending(t *testing.T) {
	assert.Equal(t, []int64{5, 6, 7}, heightRange(5, 7))
}

func TestHeightRange_EmptyWhenHighBelowLow(t *testing.T) {
	assert.Nil(t, heightRange(7, 5))
}

func TestParseFormatInt64_RoundTrip(t *testing.T) {
	var v int64
	_, err := parseInt64(formatInt64(12345), &v)
	assert.NoError(t, err)
	assert.Equal(t, int64(12345), v)
}

func newTestClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	path := writeExchangeList(t, `{"exchanges":[{"address":"ex1","name":"Ex","logo":""}],"foundations":[]}`)
	cl, err := classifier.New(path, "", time.Hour, nil)
	require.NoError(t, err)
	return cl
}

func TestIsRelevant_AllUnknownAddressesIsIrrelevant(t *testing.T) {
	p := New(config.Default(), nil, newTestClassifier(t), openTestStore(t))
	tx := indexer.Tx{
		Vin:  []indexer.Input{{PrevAddresses: []string{"unk1"}}},
		Vout: []indexer.Output{{Addresses: []string{"unk2"}}},
	}
	assert.False(t, p.isRelevant(tx))
}

func TestIsRelevant_ExchangeInputIsRelevant(t *testing.T) {
	p := New(config.Default(), nil, newTestClassifier(t), openTestStore(t))
	tx := indexer.Tx{
		Vin:  []indexer.Input{{PrevAddresses: []string{"ex1"}}},
		Vout: []indexer.Output{{Addresses: []string{"unk2"}}},
	}
	assert.True(t, p.isRelevant(tx))
}

func TestProcessBlocks_DropsIrrelevantTransactionsEntirely(t *testing.T) {
	p := New(config.Default(), nil, newTestClassifier(t), openTestStore(t))
	blocks := []*indexer.Block{{
		Height: 5,
		Txs: []indexer.Tx{
			{Txid: "irrelevant", Vin: []indexer.Input{{PrevAddresses: []string{"unk1"}}}, Vout: []indexer.Output{{Addresses: []string{"unk2"}, Value: 1}}},
			{Txid: "relevant", Vin: []indexer.Input{{PrevAddresses: []string{"ex1"}}}, Vout: []indexer.Output{{Addresses: []string{"unk2"}, Value: 2}}},
		},
	}}

	events, _, txRows := p.processBlocks(blocks)
	require.Len(t, txRows, 1)
	assert.Equal(t, "relevant", txRows[0].Txid)
	require.Len(t, events, 1)
	assert.Equal(t, store.FlowBuying, store.FlowType(events[0].FlowType))
	assert.Equal(t, "ex1", events[0].FromAddress)
}

// TestPipeline_FetchAndProcess_DropsCoinbaseKeepsTransfer exercises the
// kind=transfer filter (§4.3/§6) end to end through the real HTTP
// indexer.Client: a fetched block's coinbase transaction must never reach
// processBlocks, let alone produce a FlowEvent.
func TestPipeline_FetchAndProcess_DropsCoinbaseKeepsTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"height": 5, "hash": "h", "time": 1000,
			"txs": [
				{"txid": "cb", "kind": "coinbase", "vout": [{"value": "100000000", "addresses": ["ex1"]}]},
				{"txid": "node-confirm", "kind": "node_confirmation", "vout": [{"value": "1", "addresses": ["ex1"]}]},
				{"txid": "tx1", "kind": "transfer",
				 "vin": [{"txid": "p", "vout": 0, "addresses": ["ex1"]}],
				 "vout": [{"value": "50000000", "addresses": ["unk1"]}]}
			]
		}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	client := indexer.New(cfg, srv.URL, srv.URL, srv.Client())
	p := New(cfg, client, newTestClassifier(t), openTestStore(t))

	blocks := p.fetchHeights(context.Background(), []int64{5})
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0].Txs, 1, "coinbase and node_confirmation transactions must be dropped before a block's transactions are kept")
	assert.Equal(t, "tx1", blocks[0].Txs[0].Txid)

	events, _, txRows := p.processBlocks(blocks)
	require.Len(t, txRows, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "ex1", events[0].FromAddress)
}

func TestPipeline_FetchAndProcess_RespectsTransactionFetchLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"height": 5, "hash": "h", "time": 1000,
			"txs": [
				{"txid": "tx1", "kind": "transfer", "vout": [{"value": "1", "addresses": ["unk1"]}]},
				{"txid": "tx2", "kind": "transfer", "vout": [{"value": "1", "addresses": ["unk2"]}]},
				{"txid": "tx3", "kind": "transfer", "vout": [{"value": "1", "addresses": ["unk3"]}]}
			]
		}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Primary.TransactionFetchLimit = 2
	client := indexer.New(cfg, srv.URL, srv.URL, srv.Client())
	p := New(cfg, client, newTestClassifier(t), openTestStore(t))

	blocks := p.fetchHeights(context.Background(), []int64{5})
	require.Len(t, blocks, 1)
	assert.Len(t, blocks[0].Txs, 2)
}
