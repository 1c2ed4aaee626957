// Package ingestion implements §4.4: the block ingestion pipeline that
// keeps the Store's flow events within window_blocks of the chain tip.
// Grounded on the teacher's ChainDataFetcher tick/checkpoint idiom
// (datasync/chaindatafetcher/chaindata_fetcher.go): an overlap-guarded
// Start/Stop pair, a checkpoint advanced to the tick's highest fetched
// height once the batch commits, and batch-level metrics gauges.
package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/2ndtlmining/fluxflow/internal/classifier"
	"github.com/2ndtlmining/fluxflow/internal/config"
	"github.com/2ndtlmining/fluxflow/internal/indexer"
	"github.com/2ndtlmining/fluxflow/internal/logging"
	"github.com/2ndtlmining/fluxflow/internal/store"
)

var (
	blocksPerMinuteGauge  = metrics.NewRegisteredGaugeFloat64("fluxflow/ingestion/blocksPerMinute", nil)
	lastBatchSizeGauge    = metrics.NewRegisteredGauge("fluxflow/ingestion/lastBatchSize", nil)
	lastBatchDurationGauge = metrics.NewRegisteredGauge("fluxflow/ingestion/lastBatchDurationMs", nil)
	consecutiveErrorGauge = metrics.NewRegisteredGauge("fluxflow/ingestion/consecutiveErrors", nil)
)

// tickState names the state machine of §4.4: idle → fetching → processing
// → committing → idle.
type tickState int32

const (
	stateIdle tickState = iota
	stateFetching
	stateProcessing
	stateCommitting
)

const syncStateKey = "ingestion_latest_synced"

// Pipeline drives one ingestion tick at a time; overlapping ticks are
// rejected (§4.4).
type Pipeline struct {
	cfg        *config.Config
	client     *indexer.Client
	classifier *classifier.Classifier
	store      *store.Store

	mu      sync.Mutex // guards state + consecutiveErrors, mirrors fetchingStarted in the teacher
	state   tickState
	running bool

	consecutiveErrors int64

	log zerolog.Logger
}

// New constructs an ingestion Pipeline.
func New(cfg *config.Config, client *indexer.Client, cl *classifier.Classifier, st *store.Store) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		client:     client,
		classifier: cl,
		store:      st,
		log:        logging.NewModuleLogger("ingestion"),
	}
}

// Tick runs one iteration of the algorithm of §4.4. It returns
// immediately, logging and declining, if a previous tick is still
// in-flight — "overlapping ticks are rejected".
func (p *Pipeline) Tick(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.log.Info().Msg("tick: previous tick still in flight, skipping")
		return nil
	}
	p.running = true
	p.state = stateFetching
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.state = stateIdle
		p.mu.Unlock()
	}()

	start := time.Now()
	heights, err := p.planHeights(ctx)
	if err != nil {
		return errors.Wrap(err, "ingestion: planning fetch range")
	}
	if len(heights) == 0 {
		return nil
	}

	blocks := p.fetchHeights(ctx, heights)

	p.setState(stateProcessing)
	flowEvents, blockRows, txRows := p.processBlocks(blocks)

	p.setState(stateCommitting)
	if err := p.commit(blockRows, txRows, flowEvents); err != nil {
		return errors.Wrap(err, "ingestion: committing batch")
	}

	p.advanceCheckpoint(heights)

	elapsed := time.Since(start)
	lastBatchSizeGauge.Update(int64(len(blocks)))
	lastBatchDurationGauge.Update(elapsed.Milliseconds())
	if elapsed > 0 {
		blocksPerMinuteGauge.Update(float64(len(blocks)) / elapsed.Minutes())
	}

	if err := p.maybeSweepRetention(ctx); err != nil {
		p.log.Warn().Err(err).Msg("tick: retention sweep failed")
	}

	p.log.Info().Int("blocks", len(blocks)).Int("flowEvents", len(flowEvents)).
		Dur("elapsed", elapsed).Msg("tick: committed")
	return nil
}

func (p *Pipeline) setState(s tickState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// planHeights implements steps 1-3 of §4.4: forward fetch takes priority
// over the backfill of the retention window.
func (p *Pipeline) planHeights(ctx context.Context) ([]int64, error) {
	chainHeight, err := p.client.ChainHeight(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading chain height")
	}

	latestSynced, err := p.readCheckpoint(syncStateKey, chainHeight)
	if err != nil {
		return nil, err
	}

	settings := p.client.ActiveSettings()
	batchSize := int64(settings.BatchSize)
	if batchSize <= 0 {
		batchSize = 1
	}

	if latestSynced < chainHeight {
		high := latestSynced + batchSize
		if high > chainHeight {
			high = chainHeight
		}
		return heightRange(latestSynced+1, high), nil
	}

	stats, err := p.store.GetStats()
	if err != nil {
		return nil, errors.Wrap(err, "reading store stats for backfill decision")
	}
	storedBlocks := stats.MaxHeight - stats.MinHeight + 1
	retentionTarget := chainHeight - p.cfg.WindowBlocks
	if stats.BlockCount > 0 && storedBlocks < p.cfg.WindowBlocks && stats.MinHeight > retentionTarget {
		low := stats.MinHeight - batchSize
		if low < 1 {
			low = 1
		}
		high := stats.MinHeight - 1
		if high < low {
			return nil, nil
		}
		return heightRange(low, high), nil
	}

	return nil, nil
}

func heightRange(low, high int64) []int64 {
	if high < low {
		return nil
	}
	out := make([]int64, 0, high-low+1)
	for h := low; h <= high; h++ {
		out = append(out, h)
	}
	return out
}

func (p *Pipeline) readCheckpoint(key string, chainHeight int64) (int64, error) {
	value, ok, err := p.store.GetSyncState(key)
	if err != nil {
		return 0, errors.Wrap(err, "reading checkpoint")
	}
	if !ok {
		// First run: seed the checkpoint one behind the tip so the very
		// first tick fetches exactly the current block.
		return chainHeight - 1, nil
	}
	var parsed int64
	if _, err := parseInt64(value, &parsed); err != nil {
		return 0, errors.Wrapf(err, "parsing checkpoint value %q", value)
	}
	return parsed, nil
}

// fetchHeights implements step 4 of §4.4: chunked concurrent fetch with
// an inter-chunk delay, tolerating per-block failures (skipped, not
// fatal).
func (p *Pipeline) fetchHeights(ctx context.Context, heights []int64) []*indexer.Block {
	settings := p.client.ActiveSettings()
	chunkSize := settings.MaxConcurrent
	if chunkSize <= 0 {
		chunkSize = 1
	}

	var blocks []*indexer.Block
	for start := 0; start < len(heights); start += chunkSize {
		end := start + chunkSize
		if end > len(heights) {
			end = len(heights)
		}
		chunk := heights[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		results := make([]*indexer.Block, len(chunk))
		for i, h := range chunk {
			wg.Add(1)
			go func(i int, height int64) {
				defer wg.Done()
				b, err := p.client.GetBlock(ctx, height)
				if err != nil {
					p.recordFailure()
					p.log.Warn().Err(err).Int64("height", height).Msg("fetch_heights: block skipped after retries")
					return
				}
				p.recordSuccess()
				mu.Lock()
				results[i] = b
				mu.Unlock()
			}(i, h)
		}
		wg.Wait()

		for _, b := range results {
			if b != nil {
				blocks = append(blocks, b)
			}
		}

		if end < len(heights) {
			select {
			case <-ctx.Done():
				return blocks
			case <-time.After(settings.BatchDelay):
			}
		}
	}
	return blocks
}

func (p *Pipeline) recordFailure() {
	p.mu.Lock()
	p.consecutiveErrors++
	n := p.consecutiveErrors
	p.mu.Unlock()
	consecutiveErrorGauge.Update(n)
}

func (p *Pipeline) recordSuccess() {
	p.mu.Lock()
	if p.consecutiveErrors > 0 {
		p.consecutiveErrors--
	}
	n := p.consecutiveErrors
	p.mu.Unlock()
	consecutiveErrorGauge.Update(n)
}

// processBlocks implements steps 5-6 of §4.4: relevance filtering,
// primary-input classification priority, and FlowEvent construction.
func (p *Pipeline) processBlocks(blocks []*indexer.Block) ([]*store.FlowEvent, []*store.Block, []*store.Transaction) {
	var events []*store.FlowEvent
	var blockRows []*store.Block
	var txRows []*store.Transaction

	for _, b := range blocks {
		blockRows = append(blockRows, &store.Block{
			Height:   b.Height,
			Hash:     b.Hash,
			Time:     b.Time,
			TxCount:  len(b.Txs),
			ByteSize: 0,
		})

		for _, tx := range b.Txs {
			if !p.isRelevant(tx) {
				continue
			}

			var valueIn, valueOut float64
			for _, out := range tx.Vout {
				valueOut += out.Value
			}
			txRows = append(txRows, &store.Transaction{
				Txid:        tx.Txid,
				BlockHeight: b.Height,
				VinCount:    len(tx.Vin),
				VoutCount:   len(tx.Vout),
				ValueIn:     valueIn,
				ValueOut:    valueOut,
			})

			fromAddr, fromClass := p.primaryInputClassification(tx)

			for vout, out := range tx.Vout {
				toAddr := ""
				if len(out.Addresses) > 0 {
					toAddr = out.Addresses[0]
				}
				toClass := p.classifier.Classify(toAddr)

				events = append(events, &store.FlowEvent{
					Txid:                tx.Txid,
					Vout:                vout,
					BlockHeight:         b.Height,
					BlockTime:           b.Time,
					FromAddress:         fromAddr,
					FromType:            string(fromClass.Type),
					FromDetails:         fromClass.Details,
					ToAddress:           toAddr,
					ToType:              string(toClass.Type),
					ToDetails:           toClass.Details,
					FlowType:            string(flowType(fromClass.Type, toClass.Type)),
					Amount:              out.Value,
					ClassificationLevel: 0,
					DataSource:          string(store.DataSourceSync),
				})
			}
		}
	}
	return events, blockRows, txRows
}

// isRelevant implements §4.4 step 5: at least one input or output address
// must classify as non-unknown.
func (p *Pipeline) isRelevant(tx indexer.Tx) bool {
	for _, in := range tx.Vin {
		for _, addr := range in.PrevAddresses {
			if p.classifier.Classify(addr).Type != classifier.TypeUnknown {
				return true
			}
		}
	}
	for _, out := range tx.Vout {
		for _, addr := range out.Addresses {
			if p.classifier.Classify(addr).Type != classifier.TypeUnknown {
				return true
			}
		}
	}
	return false
}

// primaryInputClassification implements §4.4 step 6's priority order:
// exchange > node_operator > foundation > unknown, over all input
// addresses.
func (p *Pipeline) primaryInputClassification(tx indexer.Tx) (string, classifier.Classification) {
	priority := map[classifier.AddressType]int{
		classifier.TypeExchange:     3,
		classifier.TypeNodeOperator: 2,
		classifier.TypeFoundation:   1,
		classifier.TypeUnknown:      0,
	}

	bestAddr := ""
	best := classifier.Classification{Type: classifier.TypeUnknown}
	bestRank := -1

	for _, in := range tx.Vin {
		for _, addr := range in.PrevAddresses {
			c := p.classifier.Classify(addr)
			if rank := priority[c.Type]; rank > bestRank {
				bestRank = rank
				bestAddr = addr
				best = c
			}
		}
	}
	return bestAddr, best
}

// flowType implements the §3 invariants.
func flowType(from, to classifier.AddressType) store.FlowType {
	switch {
	case from == classifier.TypeExchange && to != classifier.TypeExchange:
		return store.FlowBuying
	case to == classifier.TypeExchange && from != classifier.TypeExchange:
		return store.FlowSelling
	default:
		return store.FlowP2P
	}
}

// commit implements step 7 of §4.4: blocks and transactions are upserted
// individually, flow events in one batched write.
func (p *Pipeline) commit(blocks []*store.Block, txs []*store.Transaction, events []*store.FlowEvent) error {
	for _, b := range blocks {
		if err := p.store.SaveBlock(b); err != nil {
			return errors.Wrapf(err, "saving block %d", b.Height)
		}
	}
	for _, t := range txs {
		if err := p.store.SaveTx(t); err != nil {
			return errors.Wrapf(err, "saving transaction %s", t.Txid)
		}
	}
	return p.store.SaveFlowEventsBatch(events)
}

// advanceCheckpoint persists the checkpoint at the max height fetched
// this tick (monotonic advance; backfills never move it forward past the
// sync frontier since they fetch strictly below the stored minimum).
func (p *Pipeline) advanceCheckpoint(heights []int64) {
	if len(heights) == 0 {
		return
	}
	max := heights[0]
	for _, h := range heights {
		if h > max {
			max = h
		}
	}
	value, ok, err := p.store.GetSyncState(syncStateKey)
	cur := int64(0)
	if ok {
		parseInt64(value, &cur)
	}
	if err == nil && max <= cur {
		return
	}
	if err := p.store.SetSyncState(syncStateKey, formatInt64(max)); err != nil {
		p.log.Warn().Err(err).Msg("advance_checkpoint: failed to persist")
	}
}

// maybeSweepRetention implements step 9 of §4.4: the sweep fires once
// stored span exceeds the window by more than 10%.
func (p *Pipeline) maybeSweepRetention(ctx context.Context) error {
	stats, err := p.store.GetStats()
	if err != nil || stats.BlockCount == 0 {
		return err
	}
	span := stats.MaxHeight - stats.MinHeight + 1
	if span <= p.cfg.WindowBlocks+p.cfg.WindowBlocks/10 {
		return nil
	}
	return p.store.CleanupOldData(stats.MaxHeight, p.cfg.WindowBlocks)
}
