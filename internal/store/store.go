package store

import (
	"fmt"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/2ndtlmining/fluxflow/internal/logging"
)

// Store owns every persisted row under the schema of §3. Other components
// access them solely through this type (§3 "Ownership").
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open opens (or creates) the single embedded SQL database file at path,
// enables WAL journaling per §6, and migrates the schema of §3.
func Open(path string) (*Store, error) {
	db, err := gorm.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "store: opening database")
	}
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enabling WAL journaling")
	}
	if err := db.Exec("PRAGMA foreign_keys=ON;").Error; err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enabling foreign keys")
	}

	db.SingularTable(true)

	if err := db.AutoMigrate(&Block{}, &Transaction{}, &FlowEvent{}, &SyncState{}).Error; err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: migrating schema")
	}

	return &Store{db: db, log: logging.NewModuleLogger("store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBlock upserts a block by height (§4.2).
func (s *Store) SaveBlock(b *Block) error {
	return upsert(s.db, "height", b.Height, b)
}

// SaveTx upserts a transaction by txid (§4.2).
func (s *Store) SaveTx(t *Transaction) error {
	return upsert(s.db, "txid", t.Txid, t)
}

func upsert(db *gorm.DB, pkCol string, pkVal interface{}, model interface{}) error {
	tableName := db.NewScope(model).TableName()
	var count int
	if err := db.Table(tableName).Where(fmt.Sprintf("%s = ?", pkCol), pkVal).Count(&count).Error; err != nil {
		return errors.Wrap(err, "store: checking existing row")
	}
	if count > 0 {
		return db.Table(tableName).Where(fmt.Sprintf("%s = ?", pkCol), pkVal).Save(model).Error
	}
	return db.Create(model).Error
}

// SaveFlowEventsBatch commits every event in events in a single atomic
// transaction (§4.2 — "hard requirement"). (txid, vout) rows are
// upserted: a second writer racing the same pair wins deterministically
// (§8 P9, last-write-wins) because the upsert runs inside the same
// transaction in caller order.
func (s *Store) SaveFlowEventsBatch(events []*FlowEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "store: beginning flow event batch transaction")
	}
	for _, e := range events {
		var existing FlowEvent
		err := tx.Where("txid = ? AND vout = ?", e.Txid, e.Vout).First(&existing).Error
		switch {
		case err == nil:
			e.ID = existing.ID
			if err := tx.Save(e).Error; err != nil {
				tx.Rollback()
				return errors.Wrapf(err, "store: updating flow event %s:%d", e.Txid, e.Vout)
			}
		case gorm.IsRecordNotFoundError(err):
			if err := tx.Create(e).Error; err != nil {
				tx.Rollback()
				return errors.Wrapf(err, "store: inserting flow event %s:%d", e.Txid, e.Vout)
			}
		default:
			tx.Rollback()
			return errors.Wrapf(err, "store: looking up flow event %s:%d", e.Txid, e.Vout)
		}
	}
	if err := tx.Commit().Error; err != nil {
		return errors.Wrap(err, "store: committing flow event batch")
	}
	s.log.Debug().Int("events", len(events)).Msg("save_flow_events_batch: committed")
	return nil
}

// GetFlowEvents returns flow events with low <= block_height <= high,
// newest first (§4.2).
func (s *Store) GetFlowEvents(low, high int64) ([]FlowEvent, error) {
	var events []FlowEvent
	err := s.db.
		Where("block_height >= ? AND block_height <= ?", low, high).
		Order("block_height DESC, id DESC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "store: get_flow_events")
	}
	return events, nil
}

const unknownWalletsCap = 1000

// GetUnknownWallets returns classification_level=0 flow events whose
// destination (buys) or source (sells) is unknown, excluding rows whose
// analysis_timestamp falls within the cooldown, capped at 1000 per side,
// newest first (§4.2).
func (s *Store) GetUnknownWallets(retryAfterSeconds int64) (*UnknownWallets, error) {
	cutoff := Now().Unix() - retryAfterSeconds

	var buys []FlowEvent
	err := s.db.
		Where("classification_level = 0 AND to_type = ?", addressTypeUnknown).
		Where("analysis_timestamp IS NULL OR analysis_timestamp < ?", cutoff).
		Order("block_height DESC").
		Limit(unknownWalletsCap).
		Find(&buys).Error
	if err != nil {
		return nil, errors.Wrap(err, "store: get_unknown_wallets buys")
	}

	var sells []FlowEvent
	err = s.db.
		Where("classification_level = 0 AND from_type = ?", addressTypeUnknown).
		Where("analysis_timestamp IS NULL OR analysis_timestamp < ?", cutoff).
		Order("block_height DESC").
		Limit(unknownWalletsCap).
		Find(&sells).Error
	if err != nil {
		return nil, errors.Wrap(err, "store: get_unknown_wallets sells")
	}

	return &UnknownWallets{Buys: buys, Sells: sells, Total: len(buys) + len(sells)}, nil
}

// addressTypeUnknown mirrors classifier.TypeUnknown's wire value. Kept as
// a plain string here (rather than importing the classifier package) so
// store has no dependency on classification logic, matching §3's
// ownership rule that the Store only knows about columns, not semantics.
const addressTypeUnknown = "unknown"

// UpdateFlowEventClassification applies a partial update over the
// enhancement-bookkeeping columns (§4.2). Idempotent: applying the same
// patch twice leaves the row unchanged on the second call.
func (s *Store) UpdateFlowEventClassification(id int64, patch ClassificationPatch) error {
	updates := map[string]interface{}{}
	if patch.ClassificationLevel != nil {
		updates["classification_level"] = *patch.ClassificationLevel
	}
	if patch.IntermediaryWallet != nil {
		updates["intermediary_wallet"] = *patch.IntermediaryWallet
	}
	if patch.HopChainSet {
		var e FlowEvent
		if err := e.EncodeHopChain(patch.HopChain); err != nil {
			return errors.Wrap(err, "store: encoding hop chain")
		}
		updates["hop_chain"] = string(e.HopChain)
		if e.IntermediaryWallet != nil {
			updates["intermediary_wallet"] = *e.IntermediaryWallet
		}
	}
	if patch.AnalysisTimestamp != nil {
		updates["analysis_timestamp"] = *patch.AnalysisTimestamp
	}
	if patch.DataSource != nil {
		updates["data_source"] = *patch.DataSource
	}
	if patch.FromType != nil {
		updates["from_type"] = *patch.FromType
	}
	if patch.FromDetails != nil {
		updates["from_details"] = string(patch.FromDetails)
	}
	if patch.ToType != nil {
		updates["to_type"] = *patch.ToType
	}
	if patch.ToDetails != nil {
		updates["to_details"] = string(patch.ToDetails)
	}
	if len(updates) == 0 {
		return nil
	}
	err := s.db.Model(&FlowEvent{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return errors.Wrapf(err, "store: update_flow_event_classification id=%d", id)
	}
	return nil
}

// CleanupOldData transactionally deletes flow events, transactions, and
// blocks whose block_height < currentBlock - windowBlocks, then compacts
// storage (§4.2, §8 P5).
func (s *Store) CleanupOldData(currentBlock, windowBlocks int64) error {
	threshold := currentBlock - windowBlocks
	if threshold <= 0 {
		return nil
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "store: beginning cleanup transaction")
	}
	if err := tx.Where("block_height < ?", threshold).Delete(&FlowEvent{}).Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "store: deleting old flow events")
	}
	if err := tx.Where("block_height < ?", threshold).Delete(&Transaction{}).Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "store: deleting old transactions")
	}
	if err := tx.Where("height < ?", threshold).Delete(&Block{}).Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "store: deleting old blocks")
	}
	if err := tx.Commit().Error; err != nil {
		return errors.Wrap(err, "store: committing cleanup")
	}
	if err := s.db.Exec("VACUUM;").Error; err != nil {
		s.log.Warn().Err(err).Msg("cleanup_old_data: VACUUM failed, continuing")
	}
	s.log.Info().Int64("threshold", threshold).Msg("cleanup_old_data: swept")
	return nil
}

// GetStats returns the aggregate counters of §4.2.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{
		ByFlowType:       map[string]int64{},
		ByLevelAndSource: map[string]int64{},
	}

	if err := s.db.Model(&Block{}).Count(&stats.BlockCount).Error; err != nil {
		return nil, errors.Wrap(err, "store: get_stats block count")
	}
	if err := s.db.Model(&Transaction{}).Count(&stats.TxCount).Error; err != nil {
		return nil, errors.Wrap(err, "store: get_stats tx count")
	}
	if err := s.db.Model(&FlowEvent{}).Count(&stats.FlowEventCount).Error; err != nil {
		return nil, errors.Wrap(err, "store: get_stats flow event count")
	}

	rows, err := s.db.Model(&FlowEvent{}).Select("flow_type, count(*) as cnt").Group("flow_type").Rows()
	if err != nil {
		return nil, errors.Wrap(err, "store: get_stats by flow type")
	}
	for rows.Next() {
		var ft string
		var cnt int64
		if err := rows.Scan(&ft, &cnt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "store: scanning flow type aggregate")
		}
		stats.ByFlowType[ft] = cnt
	}
	rows.Close()

	rows, err = s.db.Model(&FlowEvent{}).Select("classification_level, data_source, count(*) as cnt").
		Group("classification_level, data_source").Rows()
	if err != nil {
		return nil, errors.Wrap(err, "store: get_stats by level/source")
	}
	for rows.Next() {
		var level int
		var source string
		var cnt int64
		if err := rows.Scan(&level, &source, &cnt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "store: scanning level/source aggregate")
		}
		stats.ByLevelAndSource[fmt.Sprintf("%d:%s", level, source)] = cnt
	}
	rows.Close()

	var heightRange struct {
		Min int64
		Max int64
	}
	s.db.Model(&Block{}).Select("min(height) as min, max(height) as max").Scan(&heightRange)
	stats.MinHeight = heightRange.Min
	stats.MaxHeight = heightRange.Max

	var pageCount, pageSize int64
	s.db.Raw("PRAGMA page_count;").Row().Scan(&pageCount)
	s.db.Raw("PRAGMA page_size;").Row().Scan(&pageSize)
	stats.ByteSize = pageCount * pageSize

	return stats, nil
}

// GetSyncState reads a scheduler checkpoint; ok is false when absent.
func (s *Store) GetSyncState(key string) (value string, ok bool, err error) {
	var row SyncState
	dbErr := s.db.Where("key = ?", key).First(&row).Error
	if gorm.IsRecordNotFoundError(dbErr) {
		return "", false, nil
	}
	if dbErr != nil {
		return "", false, errors.Wrapf(dbErr, "store: get_sync_state %s", key)
	}
	return row.Value, true, nil
}

// SetSyncState upserts a scheduler checkpoint.
func (s *Store) SetSyncState(key, value string) error {
	return upsert(s.db, "key", key, &SyncState{Key: key, Value: value})
}

// DB exposes the underlying gorm handle so tests can assert against raw
// rows. Not part of the §4.2 public contract; used only by this
// package's own tests.
func (s *Store) DB() *gorm.DB { return s.db }
