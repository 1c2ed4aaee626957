package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2ndtlmining/fluxflow/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHandleStatus_ReturnsAggregateCounters(t *testing.T) {
	st := openTestStore(t)
	s := New(st, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(0), resp.BlockCount)
}

func TestHandleFlows_RejectsMissingRange(t *testing.T) {
	st := openTestStore(t)
	s := New(st, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFlows_ReturnsSeededEvents(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveFlowEventsBatch([]*store.FlowEvent{
		{Txid: "a", Vout: 0, BlockHeight: 10, BlockTime: 1000, FlowType: string(store.FlowBuying), Amount: 1.5},
	}))
	s := New(st, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/flows?low=0&high=100", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var events []store.FlowEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
}
