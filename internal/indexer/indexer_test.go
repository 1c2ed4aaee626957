package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawOutput_AddressesLiftsFromScriptPubKey(t *testing.T) {
	var out rawOutput
	require.NoError(t, json.Unmarshal([]byte(`{"value":"1.5","scriptPubKey":{"addresses":["t1abc"]}}`), &out))
	assert.Equal(t, []string{"t1abc"}, out.addresses())
}

func TestRawOutput_AddressesPrefersFlatField(t *testing.T) {
	var out rawOutput
	require.NoError(t, json.Unmarshal([]byte(`{"value":"1.5","addresses":["t1flat"],"scriptPubKey":{"addresses":["t1nested"]}}`), &out))
	assert.Equal(t, []string{"t1flat"}, out.addresses())
}

func TestRawTx_NormalizeDividesValueBySatoshi(t *testing.T) {
	raw := rawTx{
		Txid: "abc",
		Vout: []rawOutput{{Value: json.Number("150000000")}},
	}
	tx := raw.normalize()
	require.Len(t, tx.Vout, 1)
	assert.InDelta(t, 1.5, tx.Vout[0].Value, 1e-9)
}

func TestRawBlock_NormalizeDropsCoinbaseAndNodeConfirmation(t *testing.T) {
	raw := rawBlock{
		Height: 10,
		Txs: []rawTx{
			{Txid: "coinbase-tx", Kind: KindCoinbase},
			{Txid: "transfer-tx", Kind: KindTransfer},
			{Txid: "node-confirm-tx", Kind: KindNodeConfirmation},
			{Txid: "unknown-kind-tx"},
		},
	}
	block := raw.normalize(0)
	require.Len(t, block.Txs, 2)
	assert.Equal(t, "transfer-tx", block.Txs[0].Txid)
	assert.Equal(t, "unknown-kind-tx", block.Txs[1].Txid)
}

func TestRawBlock_NormalizeCapsAtTransactionFetchLimit(t *testing.T) {
	raw := rawBlock{
		Height: 10,
		Txs: []rawTx{
			{Txid: "a", Kind: KindTransfer},
			{Txid: "b", Kind: KindTransfer},
			{Txid: "c", Kind: KindTransfer},
		},
	}
	block := raw.normalize(2)
	require.Len(t, block.Txs, 2)
	assert.Equal(t, "a", block.Txs[0].Txid)
	assert.Equal(t, "b", block.Txs[1].Txid)
}

func TestProbeChainHeight_FlatShape(t *testing.T) {
	h, err := probeChainHeight(json.RawMessage(`{"height": 123}`))
	require.NoError(t, err)
	assert.Equal(t, int64(123), h)
}

func TestProbeChainHeight_NestedInfoShape(t *testing.T) {
	h, err := probeChainHeight(json.RawMessage(`{"info":{"blocks": 456}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(456), h)
}

func TestProbeChainHeight_BareBlocksShape(t *testing.T) {
	h, err := probeChainHeight(json.RawMessage(`{"blocks": 789}`))
	require.NoError(t, err)
	assert.Equal(t, int64(789), h)
}

func TestProbeChainHeight_UnknownShapeErrors(t *testing.T) {
	_, err := probeChainHeight(json.RawMessage(`{"nonsense": true}`))
	assert.Error(t, err)
}

// stubRoundTripper lets tests script a sequence of canned HTTP responses.
type stubRoundTripper struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (s *stubRoundTripper) Do(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return s.responses[len(s.responses)-1], nil
}

func TestHTTPSource_GetJSON_RateLimited(t *testing.T) {
	stub := &stubRoundTripper{responses: []*http.Response{{StatusCode: http.StatusTooManyRequests, Body: http.NoBody}}}
	src := &httpSource{baseURL: "http://upstream", client: stub, timeout: 0}
	var out json.RawMessage
	err := src.getJSON(context.Background(), "/x", &out)
	require.Error(t, err)
	_, ok := err.(*RateLimitedError)
	assert.True(t, ok)
}

func TestHTTPSource_GetJSON_Transient5xx(t *testing.T) {
	stub := &stubRoundTripper{responses: []*http.Response{{StatusCode: http.StatusBadGateway, Body: http.NoBody}}}
	src := &httpSource{baseURL: "http://upstream", client: stub, timeout: 0}
	var out json.RawMessage
	err := src.getJSON(context.Background(), "/x", &out)
	require.Error(t, err)
	_, ok := err.(*TransientError)
	assert.True(t, ok)
}
