package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveFlowEventsBatch_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	detail, _ := json.Marshal(map[string]string{"name": "Binance"})
	events := []*FlowEvent{
		{Txid: "tx1", Vout: 0, BlockHeight: 100, BlockTime: 1000,
			FromAddress: "E", FromType: "exchange", FromDetails: detail,
			ToAddress: "N", ToType: "node_operator", FlowType: string(FlowBuying),
			Amount: 10.0, DataSource: string(DataSourceSync)},
		{Txid: "tx1", Vout: 1, BlockHeight: 100, BlockTime: 1000,
			FromAddress: "E", FromType: "exchange",
			ToAddress: "E", ToType: "exchange", FlowType: string(FlowP2P),
			Amount: 0.5, DataSource: string(DataSourceSync)},
	}

	require.NoError(t, s.SaveFlowEventsBatch(events))

	got, err := s.GetFlowEvents(100, 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSaveFlowEventsBatch_UniqueTxidVout(t *testing.T) {
	s := openTestStore(t)

	first := &FlowEvent{Txid: "tx1", Vout: 0, BlockHeight: 1, FromType: "unknown", ToType: "unknown", FlowType: string(FlowP2P), DataSource: string(DataSourceSync)}
	require.NoError(t, s.SaveFlowEventsBatch([]*FlowEvent{first}))

	second := &FlowEvent{Txid: "tx1", Vout: 0, BlockHeight: 1, FromType: "exchange", ToType: "unknown", FlowType: string(FlowSelling), DataSource: string(DataSourceSync)}
	require.NoError(t, s.SaveFlowEventsBatch([]*FlowEvent{second}))

	got, err := s.GetFlowEvents(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "exchange", got[0].FromType)
}

func TestGetUnknownWallets_ExcludesCooldown(t *testing.T) {
	s := openTestStore(t)
	recentCooldown := Now().Unix()

	events := []*FlowEvent{
		{Txid: "a", Vout: 0, BlockHeight: 1, FromType: "exchange", ToType: "unknown", FlowType: string(FlowBuying), DataSource: string(DataSourceSync)},
		{Txid: "b", Vout: 0, BlockHeight: 2, FromType: "exchange", ToType: "unknown", FlowType: string(FlowBuying), DataSource: string(DataSourceSync), AnalysisTimestamp: &recentCooldown},
	}
	require.NoError(t, s.SaveFlowEventsBatch(events))

	res, err := s.GetUnknownWallets(3600)
	require.NoError(t, err)
	require.Len(t, res.Buys, 1)
	assert.Equal(t, "a", res.Buys[0].Txid)
}

func TestUpdateFlowEventClassification(t *testing.T) {
	s := openTestStore(t)
	events := []*FlowEvent{
		{Txid: "a", Vout: 0, BlockHeight: 1, FromType: "exchange", ToType: "unknown", FlowType: string(FlowBuying), DataSource: string(DataSourceSync)},
	}
	require.NoError(t, s.SaveFlowEventsBatch(events))

	got, err := s.GetFlowEvents(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	level := 1
	ds := string(DataSourceEnhanced)
	toType := "node_operator"
	patch := ClassificationPatch{
		ClassificationLevel: &level,
		HopChain:            []string{"U"},
		HopChainSet:         true,
		DataSource:          &ds,
		ToType:              &toType,
	}
	require.NoError(t, s.UpdateFlowEventClassification(got[0].ID, patch))

	got, err = s.GetFlowEvents(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassificationLevel)
	assert.Equal(t, "node_operator", got[0].ToType)
	require.NotNil(t, got[0].IntermediaryWallet)
	assert.Equal(t, "U", *got[0].IntermediaryWallet)
	chain, err := got[0].DecodeHopChain()
	require.NoError(t, err)
	assert.Equal(t, []string{"U"}, chain)
}

func TestCleanupOldData(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveBlock(&Block{Height: 100}))
	require.NoError(t, s.SaveBlock(&Block{Height: 9000}))
	require.NoError(t, s.SaveBlock(&Block{Height: 12000}))
	require.NoError(t, s.SaveTx(&Transaction{Txid: "old", BlockHeight: 100}))
	require.NoError(t, s.SaveFlowEventsBatch([]*FlowEvent{
		{Txid: "old", Vout: 0, BlockHeight: 100, FromType: "unknown", ToType: "unknown", FlowType: string(FlowP2P), DataSource: string(DataSourceSync)},
	}))

	require.NoError(t, s.CleanupOldData(12000, 2880))

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.MinHeight, int64(12000-2880))
	assert.Equal(t, int64(0), countBelow(t, s, 12000-2880))
}

func countBelow(t *testing.T, s *Store, threshold int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(&Block{}).Where("height < ?", threshold).Count(&n).Error)
	return n
}

func TestSyncState(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetSyncState("ingest.checkpoint")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSyncState("ingest.checkpoint", "12345"))
	v, ok, err := s.GetSyncState("ingest.checkpoint")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12345", v)

	require.NoError(t, s.SetSyncState("ingest.checkpoint", "67890"))
	v, ok, err = s.GetSyncState("ingest.checkpoint")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "67890", v)
}
