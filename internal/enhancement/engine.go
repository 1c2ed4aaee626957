// Package enhancement implements §4.5: for flow events still classified
// unknown on one side, determine whether the unknown wallet is actually a
// node operator reachable through up to MAX_HOPS intermediary wallets,
// and rewrite the event in place when it is. Grounded on the teacher's
// batch/idempotent-write idiom (datasync/chaindatafetcher's per-request
// handling) and its use of a parallel worker pool bounded by a configured
// batch size.
package enhancement

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/2ndtlmining/fluxflow/internal/classifier"
	"github.com/2ndtlmining/fluxflow/internal/config"
	"github.com/2ndtlmining/fluxflow/internal/enhcache"
	"github.com/2ndtlmining/fluxflow/internal/indexer"
	"github.com/2ndtlmining/fluxflow/internal/logging"
	"github.com/2ndtlmining/fluxflow/internal/store"
)

const maxHistoricalConnectionLookback = 20

// Named per-lane counters (§4 SUPPLEMENTED FEATURES #2), grounded on the
// teacher's getTimeGauge/getRetryGauge per-handler dispatch: one
// undifferentiated hit/miss tally tells an operator much less than these.
var (
	laneAHitsCounter          = metrics.NewRegisteredCounter("fluxflow/enhancement/laneAHits", nil)
	laneBHitsCounter          = metrics.NewRegisteredCounter("fluxflow/enhancement/laneBHits", nil)
	circularDetectionsCounter = metrics.NewRegisteredCounter("fluxflow/enhancement/circularDetections", nil)
	bfsOverrunsCounter        = metrics.NewRegisteredCounter("fluxflow/enhancement/bfsOverruns", nil)
)

// Engine runs the two detection lanes of §4.5 over the Store's unknown
// flow events.
type Engine struct {
	cfg        *config.Config
	client     *indexer.Client
	classifier *classifier.Classifier
	store      *store.Store
	cache      *enhcache.Cache

	runs   int64
	hits   int64
	misses int64

	log zerolog.Logger
}

// New constructs an enhancement Engine.
func New(cfg *config.Config, client *indexer.Client, cl *classifier.Classifier, st *store.Store, cache *enhcache.Cache) *Engine {
	return &Engine{cfg: cfg, client: client, classifier: cl, store: st, cache: cache, log: logging.NewModuleLogger("enhancement")}
}

// direction is the orientation of the unknown wallet's own transaction
// history relevant to a given event, per §4.5 Lane B.
type direction string

const (
	directionOutbound direction = "outbound" // buys: unknown wallet received funds, look at what it later sends
	directionInbound  direction = "inbound"  // sells: unknown wallet sent funds, look at what it previously received
)

// unknownEvent pairs a FlowEvent with the side that is unknown.
type unknownEvent struct {
	event   store.FlowEvent
	wallet  string
	dir     direction
}

// EnhanceUnknowns implements §4.5's batch scheduling: unknowns are
// partitioned into fixed-size batches, analyses within a batch run
// concurrently, batches run serially. A stale node-operator snapshot is
// refreshed before the run starts.
func (e *Engine) EnhanceUnknowns(ctx context.Context) error {
	if e.classifier.Stale() {
		if err := e.classifier.RefreshNodeOperators(); err != nil {
			e.log.Warn().Err(err).Msg("enhance_unknowns: node-operator refresh failed")
		}
	}

	unknowns, err := e.store.GetUnknownWallets(int64(e.cfg.Enhancement.FailedRetryHours) * 3600)
	if err != nil {
		return err
	}

	var targets []unknownEvent
	for _, ev := range unknowns.Buys {
		targets = append(targets, unknownEvent{event: ev, wallet: ev.ToAddress, dir: directionOutbound})
	}
	for _, ev := range unknowns.Sells {
		targets = append(targets, unknownEvent{event: ev, wallet: ev.FromAddress, dir: directionInbound})
	}
	if len(targets) == 0 {
		return nil
	}

	batchSize := e.cfg.Enhancement.ParallelProcessing.BatchSize
	if batchSize <= 0 {
		batchSize = len(targets)
	}

	for start := 0; start < len(targets); start += batchSize {
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		if e.cfg.Enhancement.ParallelProcessing.Enabled {
			var wg sync.WaitGroup
			for _, t := range batch {
				wg.Add(1)
				go func(t unknownEvent) {
					defer wg.Done()
					e.analyzeOne(ctx, t)
				}(t)
			}
			wg.Wait()
		} else {
			for _, t := range batch {
				e.analyzeOne(ctx, t)
			}
		}
	}

	e.cache.ClearExpired()
	e.log.Info().Int("analyzed", len(targets)).
		Int64("hits", atomic.LoadInt64(&e.hits)).Int64("misses", atomic.LoadInt64(&e.misses)).
		Msg("enhance_unknowns: run complete")
	return nil
}

// analyzeOne runs Lane A then, on a miss, Lane B, and writes the result.
func (e *Engine) analyzeOne(ctx context.Context, t unknownEvent) {
	atomic.AddInt64(&e.runs, 1)

	if e.cfg.Enhancement.HistoricalDetection.Enabled {
		if patch, ok := e.laneA(ctx, t); ok {
			laneAHitsCounter.Inc(1)
			e.applyHit(t, patch)
			return
		}
	}

	if patch, ok := e.laneB(ctx, t); ok {
		laneBHitsCounter.Inc(1)
		e.applyHit(t, patch)
		return
	}

	e.applyMiss(t)
}

// hitResult carries the fields common to a Lane A/B hit.
type hitResult struct {
	level      int
	hopChain   []string
	detail     interface{}
}

func (e *Engine) laneA(ctx context.Context, t unknownEvent) (hitResult, bool) {
	if detail, ok := e.coinbaseCheck(ctx, t.wallet, t.event.BlockHeight); ok {
		return hitResult{level: 0, hopChain: nil, detail: detail}, true
	}
	if e.cfg.Enhancement.HistoricalConnections.Enabled {
		if detail, ok := e.historicalConnectionCheck(ctx, t); ok {
			return hitResult{level: 0, hopChain: nil, detail: detail}, true
		}
	}
	return hitResult{}, false
}

// coinbaseDetail is the detail payload of a coinbase hit (§4.5).
type coinbaseDetail struct {
	LastBlock    int64 `json:"lastBlock"`
	Count        int   `json:"count"`
	DaysInactive int64 `json:"daysInactive"`
}

// coinbaseCheck implements Lane A step 1: does wallet have any
// isCoinbase=true receipt within [eventBlock-WINDOW, eventBlock]?
func (e *Engine) coinbaseCheck(ctx context.Context, wallet string, eventBlock int64) (coinbaseDetail, bool) {
	window := e.cfg.Enhancement.HistoricalDetection.TimeWindowBlocks
	fromBlock := eventBlock - window
	if cached, ok := e.cache.GetCoinbaseResult(wallet, fromBlock, eventBlock); ok {
		if cached == nil {
			return coinbaseDetail{}, false
		}
		return cached.(coinbaseDetail), true
	}

	txs, err := e.walletTransactions(ctx, wallet)
	if err != nil {
		e.cache.SetCoinbaseResult(wallet, fromBlock, eventBlock, nil)
		return coinbaseDetail{}, false
	}

	var lastBlock int64
	var lastTime int64
	var count int
	for _, tx := range txs {
		if !tx.IsCoinbase {
			continue
		}
		if tx.BlockHeight < fromBlock || tx.BlockHeight > eventBlock {
			continue
		}
		count++
		if tx.BlockHeight > lastBlock {
			lastBlock = tx.BlockHeight
			lastTime = tx.Timestamp
		}
	}
	if count == 0 {
		e.cache.SetCoinbaseResult(wallet, fromBlock, eventBlock, nil)
		return coinbaseDetail{}, false
	}
	detail := coinbaseDetail{
		LastBlock:    lastBlock,
		Count:        count,
		DaysInactive: daysSince(lastTime),
	}
	e.cache.SetCoinbaseResult(wallet, fromBlock, eventBlock, detail)
	return detail, true
}

// historicalConnectionDetail is the detail payload of a historical-
// connection hit (§4.5).
type historicalConnectionDetail struct {
	NodeWallet     string `json:"nodeWallet"`
	ConnectionTxid string `json:"connectionTxid"`
	DaysAgo        int64  `json:"daysAgo"`
	CoinbaseCount  int    `json:"coinbaseCount,omitempty"`
}

// historicalConnectionCheck implements Lane A step 2: inspect the
// wallet's most recent K (capped 20) counterparty transactions within the
// window, short-circuiting on the first counterparty that is a current
// node operator or has historical coinbase receipts.
func (e *Engine) historicalConnectionCheck(ctx context.Context, t unknownEvent) (historicalConnectionDetail, bool) {
	window := e.cfg.Enhancement.HistoricalDetection.TimeWindowBlocks
	fromBlock := t.event.BlockHeight - window

	if cached, ok := e.cache.GetHistoricalConnection(t.wallet, string(t.dir), fromBlock); ok {
		if cached == nil {
			return historicalConnectionDetail{}, false
		}
		return cached.(historicalConnectionDetail), true
	}

	txs, err := e.walletTransactions(ctx, t.wallet)
	if err != nil {
		e.cache.SetHistoricalConnection(t.wallet, string(t.dir), fromBlock, nil)
		return historicalConnectionDetail{}, false
	}

	candidates := filterDirection(txs, t.dir, fromBlock, t.event.BlockHeight)
	sortByRecency(candidates, t.dir)
	if len(candidates) > maxHistoricalConnectionLookback {
		candidates = candidates[:maxHistoricalConnectionLookback]
	}

	seen := map[string]bool{}
	for _, tx := range candidates {
		counterparty, err := e.counterpartyOf(ctx, tx.Txid, t.wallet, t.dir)
		if err != nil || counterparty == "" || seen[counterparty] {
			continue
		}
		seen[counterparty] = true

		if _, ok := e.currentOperator(counterparty); ok {
			detail := historicalConnectionDetail{
				NodeWallet:     counterparty,
				ConnectionTxid: tx.Txid,
				DaysAgo:        daysSince(tx.Timestamp),
			}
			e.cache.SetHistoricalConnection(t.wallet, string(t.dir), fromBlock, detail)
			return detail, true
		}
		if cb, ok := e.coinbaseCheck(ctx, counterparty, t.event.BlockHeight); ok {
			detail := historicalConnectionDetail{
				NodeWallet:     counterparty,
				ConnectionTxid: tx.Txid,
				DaysAgo:        daysSince(tx.Timestamp),
				CoinbaseCount:  cb.Count,
			}
			e.cache.SetHistoricalConnection(t.wallet, string(t.dir), fromBlock, detail)
			return detail, true
		}
	}

	e.cache.SetHistoricalConnection(t.wallet, string(t.dir), fromBlock, nil)
	return historicalConnectionDetail{}, false
}

// bfsEntry is one queue element of Lane B's BFS.
type bfsEntry struct {
	wallet string
	depth  int
	chain  []string
	txids  []string
}

// multiHopDetail is the detail payload of a Lane B hit (§4.5).
type multiHopDetail struct {
	NodeWallet        string   `json:"nodeWallet"`
	DetectionMethod   string   `json:"detectionMethod"`
	Status            string   `json:"status"`
	HopCount          int      `json:"hopCount"`
	IntermediaryTxids []string `json:"intermediaryTxids"`
	NodeCount         int      `json:"node_count,omitempty"`
	Tiers             *classifier.Tiers `json:"tiers,omitempty"`
	DaysInactive      int64    `json:"daysInactive,omitempty"`
	CoinbaseCount     int      `json:"coinbaseCount,omitempty"`
}

// laneB implements §4.5's bounded BFS over the transaction graph.
func (e *Engine) laneB(ctx context.Context, t unknownEvent) (hitResult, bool) {
	maxHops := e.cfg.Enhancement.MultiHop.MaxDepth
	maxBranches := e.cfg.Enhancement.MultiHop.MaxBranchesPerWallet
	if maxBranches <= 0 {
		maxBranches = 1
	}

	visited := map[string]bool{t.wallet: true}
	queue := []bfsEntry{{wallet: t.wallet, depth: 0, chain: []string{t.wallet}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		tx, ok := e.nextTransaction(ctx, cur.wallet, t.dir, t.event.BlockHeight, t.event.BlockTime)
		if !ok {
			continue
		}

		counterparties, err := e.candidateCounterparties(ctx, tx, cur.wallet, t.dir, maxBranches)
		if err != nil {
			continue
		}

		for _, cp := range counterparties {
			if visited[cp] {
				circularDetectionsCounter.Inc(1)
				continue
			}

			if op, ok := e.currentOperator(cp); ok {
				tiers := op.Tiers()
				detail := multiHopDetail{
					NodeWallet:        cp,
					DetectionMethod:   "current_api",
					Status:            "active",
					HopCount:          cur.depth + 1,
					IntermediaryTxids: append(append([]string{}, cur.txids...), tx.Txid),
					NodeCount:         op.NodeCount(),
					Tiers:             &tiers,
				}
				return hitResult{level: cur.depth + 1, hopChain: cur.chain, detail: detail}, true
			}

			if e.cfg.Enhancement.HistoricalDetection.Enabled {
				if cb, ok := e.coinbaseCheck(ctx, cp, t.event.BlockHeight); ok {
					detail := multiHopDetail{
						NodeWallet:        cp,
						DetectionMethod:   "historical_coinbase",
						Status:            "historical",
						HopCount:          cur.depth + 1,
						IntermediaryTxids: append(append([]string{}, cur.txids...), tx.Txid),
						DaysInactive:      cb.DaysInactive,
						CoinbaseCount:     cb.Count,
					}
					return hitResult{level: cur.depth + 1, hopChain: cur.chain, detail: detail}, true
				}
			}

			if cur.depth+1 < maxHops {
				visited[cp] = true
				queue = append(queue, bfsEntry{
					wallet: cp,
					depth:  cur.depth + 1,
					chain:  append(append([]string{}, cur.chain...), cp),
					txids:  append(append([]string{}, cur.txids...), tx.Txid),
				})
			} else {
				// MAX_HOPS reached on this branch without a hit (§4.5 BFS bound).
				bfsOverrunsCounter.Inc(1)
			}
		}
	}

	return hitResult{}, false
}

// nextTransaction implements the counterparty-tx-selection rule of §4.5
// Lane B's expansion step.
func (e *Engine) nextTransaction(ctx context.Context, wallet string, dir direction, eventBlock, eventTime int64) (indexer.AddressTx, bool) {
	txs, err := e.walletTransactions(ctx, wallet)
	if err != nil {
		return indexer.AddressTx{}, false
	}

	if dir == directionOutbound {
		var best indexer.AddressTx
		found := false
		for _, tx := range txs {
			if tx.Direction != indexer.DirectionSent {
				continue
			}
			if tx.BlockHeight < eventBlock || (tx.BlockHeight == eventBlock && tx.Timestamp <= eventTime) {
				continue
			}
			if !found || tx.Timestamp < best.Timestamp {
				best = tx
				found = true
			}
		}
		return best, found
	}

	var best indexer.AddressTx
	found := false
	for _, tx := range txs {
		if tx.Direction != indexer.DirectionReceived {
			continue
		}
		if tx.BlockHeight > eventBlock || (tx.BlockHeight == eventBlock && tx.Timestamp >= eventTime) {
			continue
		}
		if !found || tx.Timestamp > best.Timestamp {
			best = tx
			found = true
		}
	}
	return best, found
}

// candidateCounterparties extracts up to maxBranches counterparty
// addresses from tx, excluding self (§4.5 Lane B / MAX_BRANCHES).
func (e *Engine) candidateCounterparties(ctx context.Context, addrTx indexer.AddressTx, self string, dir direction, maxBranches int) ([]string, error) {
	full, err := e.transactionBody(ctx, addrTx.Txid)
	if err != nil {
		return nil, err
	}

	var out []string
	if dir == directionOutbound {
		for _, o := range full.Vout {
			for _, a := range o.Addresses {
				if a != self {
					out = append(out, a)
				}
			}
		}
	} else {
		for _, i := range full.Vin {
			for _, a := range i.PrevAddresses {
				if a != self {
					out = append(out, a)
				}
			}
		}
	}

	if len(out) > maxBranches {
		out = out[:maxBranches]
	}
	return out, nil
}

// counterpartyOf extracts the single first counterparty per §4.5 Lane B's
// "first output/input address not equal to self" rule, used by the
// historical-connection check which only needs one candidate per tx.
func (e *Engine) counterpartyOf(ctx context.Context, txid, self string, dir direction) (string, error) {
	cands, err := e.candidateCounterparties(ctx, indexer.AddressTx{Txid: txid}, self, dir, 1)
	if err != nil || len(cands) == 0 {
		return "", err
	}
	return cands[0], nil
}

// currentOperator wraps classifier.CurrentOperator behind the
// operator-status sub-cache of §4.6, caching negative results the same
// way coinbaseResult/historicalConnection already do.
func (e *Engine) currentOperator(address string) (classifier.OperatorInfo, bool) {
	if cached, ok := e.cache.GetOperatorStatus(address); ok {
		if cached == nil {
			return nil, false
		}
		return cached.(classifier.OperatorInfo), true
	}
	op, ok := e.classifier.CurrentOperator(address)
	if !ok {
		e.cache.SetOperatorStatus(address, nil)
		return nil, false
	}
	e.cache.SetOperatorStatus(address, op)
	return op, true
}

func (e *Engine) walletTransactions(ctx context.Context, wallet string) ([]indexer.AddressTx, error) {
	if cached, ok := e.cache.GetWalletTx(wallet); ok {
		return cached.([]indexer.AddressTx), nil
	}
	txs, err := e.client.GetAddressTransactions(ctx, wallet)
	if err != nil {
		return nil, err
	}
	e.cache.SetWalletTx(wallet, txs)
	return txs, nil
}

func (e *Engine) transactionBody(ctx context.Context, txid string) (*indexer.Tx, error) {
	if cached, ok := e.cache.GetTransactionBody(txid); ok {
		return cached.(*indexer.Tx), nil
	}
	tx, err := e.client.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	e.cache.SetTransactionBody(txid, tx)
	return tx, nil
}

func filterDirection(txs []indexer.AddressTx, dir direction, fromBlock, toBlock int64) []indexer.AddressTx {
	want := indexer.DirectionReceived
	if dir == directionOutbound {
		want = indexer.DirectionSent
	}
	var out []indexer.AddressTx
	for _, tx := range txs {
		if tx.Direction != want {
			continue
		}
		if tx.BlockHeight < fromBlock || tx.BlockHeight > toBlock {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func sortByRecency(txs []indexer.AddressTx, dir direction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].Timestamp > txs[j].Timestamp
	})
}

func daysSince(unixTime int64) int64 {
	if unixTime == 0 {
		return 0
	}
	return int64(time.Since(time.Unix(unixTime, 0)).Hours() / 24)
}

// applyHit implements the on-hit write contract of §4.5.
func (e *Engine) applyHit(t unknownEvent, hit hitResult) {
	atomic.AddInt64(&e.hits, 1)
	now := store.Now().Unix()
	detail, _ := json.Marshal(hit.detail)

	patch := store.ClassificationPatch{
		ClassificationLevel: &hit.level,
		HopChainSet:         true,
		HopChain:            hit.hopChain,
		AnalysisTimestamp:   &now,
	}
	dataSource := string(store.DataSourceEnhanced)
	patch.DataSource = &dataSource
	operatorType := string(classifier.TypeNodeOperator)

	if t.dir == directionOutbound {
		patch.ToType = &operatorType
		patch.ToDetails = detail
	} else {
		patch.FromType = &operatorType
		patch.FromDetails = detail
	}

	if err := e.store.UpdateFlowEventClassification(t.event.ID, patch); err != nil {
		e.log.Error().Err(err).Int64("eventID", t.event.ID).Msg("apply_hit: write failed")
	}
}

// applyMiss implements the on-miss write contract of §4.5: stamp
// analysis_timestamp so the event is excluded from the unknowns query for
// the cooldown window.
func (e *Engine) applyMiss(t unknownEvent) {
	atomic.AddInt64(&e.misses, 1)
	now := store.Now().Unix()
	patch := store.ClassificationPatch{AnalysisTimestamp: &now}
	if err := e.store.UpdateFlowEventClassification(t.event.ID, patch); err != nil {
		e.log.Error().Err(err).Int64("eventID", t.event.ID).Msg("apply_miss: write failed")
	}
}
