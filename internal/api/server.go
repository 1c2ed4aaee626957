// Package api implements the thin outward HTTP surface sketched in §6:
// status, a range-read of flow events, top-N buyers/sellers, a manual
// enhancement trigger, and scheduler start/stop. Every handler delegates
// to the Store or a scheduler; no business logic lives here. Grounded on
// the teacher's use of julienschmidt/httprouter as its RPC transport
// (networks/rpc) and its handler-per-route registration idiom.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/2ndtlmining/fluxflow/internal/enhancement"
	"github.com/2ndtlmining/fluxflow/internal/ingestion"
	"github.com/2ndtlmining/fluxflow/internal/logging"
	"github.com/2ndtlmining/fluxflow/internal/store"
)

// Server is the outward-facing collaborator surface of §6. It is
// explicitly out of the hard core: every handler is a thin read or
// delegation.
type Server struct {
	store              *store.Store
	ingestionScheduler *ingestion.Scheduler
	enhancementScheduler *enhancement.Scheduler
	enhancementEngine  *enhancement.Engine

	router *httprouter.Router
	log    zerolog.Logger
}

// New constructs the API server and registers every route.
func New(st *store.Store, ingestSched *ingestion.Scheduler, enhanceSched *enhancement.Scheduler, engine *enhancement.Engine) *Server {
	s := &Server{
		store:                st,
		ingestionScheduler:   ingestSched,
		enhancementScheduler: enhanceSched,
		enhancementEngine:    engine,
		router:               httprouter.New(),
		log:                  logging.NewModuleLogger("api"),
	}
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/flows", s.handleFlows)
	s.router.GET("/top", s.handleTop)
	s.router.POST("/enhance/run", s.handleEnhanceRun)
	s.router.POST("/scheduler/ingest/start", s.handleIngestStart)
	s.router.POST("/scheduler/ingest/stop", s.handleIngestStop)
	s.router.POST("/scheduler/enhance/start", s.handleEnhanceStart)
	s.router.POST("/scheduler/enhance/stop", s.handleEnhanceStop)
	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed straight to
// http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("writeJSON: encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusResponse is the payload of GET /status: aggregated counters only
// (§7: "Users see no upstream errors — only aggregated counters").
type statusResponse struct {
	BlockCount     int64            `json:"blockCount"`
	TxCount        int64            `json:"txCount"`
	FlowEventCount int64            `json:"flowEventCount"`
	ByFlowType     map[string]int64 `json:"byFlowType"`
	MinHeight      int64            `json:"minHeight"`
	MaxHeight      int64            `json:"maxHeight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		BlockCount:     stats.BlockCount,
		TxCount:        stats.TxCount,
		FlowEventCount: stats.FlowEventCount,
		ByFlowType:     stats.ByFlowType,
		MinHeight:      stats.MinHeight,
		MaxHeight:      stats.MaxHeight,
	})
}

// handleFlows implements the range-read of §6: GET /flows?low=&high=.
func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	low, err := strconv.ParseInt(r.URL.Query().Get("low"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	high, err := strconv.ParseInt(r.URL.Query().Get("high"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.store.GetFlowEvents(low, high)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

type topEntry struct {
	Address string  `json:"address"`
	Total   float64 `json:"total"`
	Count   int     `json:"count"`
}

// handleTop implements the top-N buyers/sellers query of §6:
// GET /top?low=&high=&side=buyers|sellers&n=.
func (s *Server) handleTop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	low, err := strconv.ParseInt(r.URL.Query().Get("low"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	high, err := strconv.ParseInt(r.URL.Query().Get("high"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	side := r.URL.Query().Get("side")

	events, err := s.store.GetFlowEvents(low, high)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	totals := map[string]*topEntry{}
	for _, ev := range events {
		var addr string
		switch {
		case side == "sellers" && ev.FlowType == string(store.FlowSelling):
			addr = ev.FromAddress
		case side != "sellers" && ev.FlowType == string(store.FlowBuying):
			addr = ev.ToAddress
		default:
			continue
		}
		if addr == "" {
			continue
		}
		e, ok := totals[addr]
		if !ok {
			e = &topEntry{Address: addr}
			totals[addr] = e
		}
		e.Total += ev.Amount
		e.Count++
	}

	list := make([]topEntry, 0, len(totals))
	for _, e := range totals {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Total > list[j].Total })
	if len(list) > n {
		list = list[:n]
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleEnhanceRun implements the manual enhancement trigger of §6.
func (s *Server) handleEnhanceRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.enhancementEngine.EnhanceUnknowns(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.ingestionScheduler.Start(context.Background())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleIngestStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.ingestionScheduler.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleEnhanceStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.enhancementScheduler.Start(context.Background())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleEnhanceStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.enhancementScheduler.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
