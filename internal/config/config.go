// Package config holds the recognized configuration options of §6.
// Loading the values from a file is an external collaborator's job; this
// package only defines the shape and validates it.
package config

import (
	"fmt"
	"time"
)

// DataSourceName identifies which upstream indexer backs the active source.
type DataSourceName string

const (
	SourcePrimary  DataSourceName = "primary"
	SourceFallback DataSourceName = "fallback"
)

// SourceSettings are the per-source tuning knobs of §4.3. They are
// selected wholesale when the active source changes.
type SourceSettings struct {
	BatchSize             int
	MaxConcurrent         int
	MinRequestDelay       time.Duration
	BatchDelay            time.Duration
	EnableRateLimiting    bool
	TransactionFetchLimit int
	RequestTimeout        time.Duration
}

// MultiHop holds the BFS tuning of §4.5 Lane B.
type MultiHop struct {
	DefaultDepth          int
	MaxDepth              int
	TimeWindowBlocks      int64
	MaxBranchesPerWallet  int
}

// HistoricalDetection configures Lane A of §4.5.
type HistoricalDetection struct {
	Enabled          bool
	TimeWindowBlocks int64
}

// HistoricalConnections configures the historical-connection check within
// Lane A.
type HistoricalConnections struct {
	Enabled bool
}

// BackgroundJob configures the enhancement scheduler tick of §4.7.
type BackgroundJob struct {
	Enabled             bool
	IntervalMinutes     int
	RunOnStart          bool
	MinUnknownsThreshold int
}

// ParallelProcessing configures the batch scheduler of §4.5.
type ParallelProcessing struct {
	Enabled       bool
	BatchSize     int
	MaxConcurrent int
}

// Enhancement bundles every ENHANCEMENT.* option of §6.
type Enhancement struct {
	MaxHops               int
	TimeWindowBlocks      int64
	MinConfidence         float64
	FailedRetryHours      int
	BackgroundJob         BackgroundJob
	MultiHop              MultiHop
	HistoricalDetection   HistoricalDetection
	HistoricalConnections HistoricalConnections
	ParallelProcessing    ParallelProcessing
}

// Config is the top-level recognized configuration contract of §6.
type Config struct {
	BlockTimeSeconds int
	// Periods maps a human label (e.g. "24h", "7d") to a block count,
	// derived from BlockTimeSeconds by the config loader.
	Periods map[string]int64

	ActiveDataSource DataSourceName
	Primary          SourceSettings
	Fallback         SourceSettings

	Enhancement Enhancement

	// WindowBlocks is the rolling retention window of §4.4 step 9 / §8 P5.
	WindowBlocks int64

	// DatabasePath is the single embedded SQL database file of §6.
	DatabasePath string

	IngestionTickPeriod   time.Duration
	EnhancementTickPeriod time.Duration

	NodeOperatorRegistryURL string
	NodeOperatorStaleAfter  time.Duration

	// ExchangeFoundationListPath points at the static config file loaded
	// once at startup (§4.1); provisioning that file is out of scope.
	ExchangeFoundationListPath string
}

// Default returns the configuration baseline named throughout §6/§4.7:
// a two-minute ingestion tick, an enhancement tick slower than ingestion,
// a 180-day retention window at 30s blocks, and MAX_HOPS=3.
func Default() *Config {
	const blockTime = 30
	dayBlocks := int64(24*60*60) / int64(blockTime)
	return &Config{
		BlockTimeSeconds: blockTime,
		Periods: map[string]int64{
			"1h":  int64(time.Hour/time.Second) / int64(blockTime),
			"24h": dayBlocks,
			"7d":  7 * dayBlocks,
		},
		ActiveDataSource: SourcePrimary,
		Primary: SourceSettings{
			BatchSize:             50,
			MaxConcurrent:         16,
			MinRequestDelay:       10 * time.Millisecond,
			BatchDelay:            200 * time.Millisecond,
			EnableRateLimiting:    false,
			TransactionFetchLimit: 500,
			RequestTimeout:        30 * time.Second,
		},
		Fallback: SourceSettings{
			BatchSize:             10,
			MaxConcurrent:         2,
			MinRequestDelay:       500 * time.Millisecond,
			BatchDelay:            2 * time.Second,
			EnableRateLimiting:    true,
			TransactionFetchLimit: 100,
			RequestTimeout:        30 * time.Second,
		},
		Enhancement: Enhancement{
			MaxHops:          3,
			TimeWindowBlocks: 180 * dayBlocks,
			MinConfidence:    0.0,
			FailedRetryHours: 24,
			BackgroundJob: BackgroundJob{
				Enabled:              true,
				IntervalMinutes:      15,
				RunOnStart:           false,
				MinUnknownsThreshold: 5,
			},
			MultiHop: MultiHop{
				DefaultDepth:         1,
				MaxDepth:             3,
				TimeWindowBlocks:     180 * dayBlocks,
				MaxBranchesPerWallet: 5,
			},
			HistoricalDetection: HistoricalDetection{
				Enabled:          true,
				TimeWindowBlocks: 180 * dayBlocks,
			},
			HistoricalConnections: HistoricalConnections{
				Enabled: true,
			},
			ParallelProcessing: ParallelProcessing{
				Enabled:       true,
				BatchSize:     6,
				MaxConcurrent: 6,
			},
		},
		WindowBlocks:          180 * dayBlocks,
		DatabasePath:          "fluxflow.db",
		IngestionTickPeriod:   2 * time.Minute,
		EnhancementTickPeriod: 15 * time.Minute,
		NodeOperatorStaleAfter: 10 * time.Minute,
	}
}

// Validate enforces the configuration invariants of §7: an unknown or
// inconsistent setting is fatal at startup, before any scheduler arms.
func (c *Config) Validate() error {
	if c.BlockTimeSeconds <= 0 {
		return fmt.Errorf("config: BLOCK_TIME_SECONDS must be positive")
	}
	if c.WindowBlocks <= 0 {
		return fmt.Errorf("config: retention window must be positive")
	}
	if c.Enhancement.MaxHops <= 0 {
		return fmt.Errorf("config: ENHANCEMENT.MAX_HOPS must be positive")
	}
	if c.Enhancement.MultiHop.MaxDepth < c.Enhancement.MultiHop.DefaultDepth {
		return fmt.Errorf("config: MULTI_HOP.MAX_DEPTH must be >= DEFAULT_DEPTH")
	}
	if c.ActiveDataSource != SourcePrimary && c.ActiveDataSource != SourceFallback {
		return fmt.Errorf("config: unknown ACTIVE_DATA_SOURCE %q", c.ActiveDataSource)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database path must be set")
	}
	if c.Enhancement.ParallelProcessing.BatchSize <= 0 {
		return fmt.Errorf("config: PARALLEL_PROCESSING.BATCH_SIZE must be positive")
	}
	return nil
}

// SettingsFor returns the tuning knobs for the named source.
func (c *Config) SettingsFor(name DataSourceName) (SourceSettings, error) {
	switch name {
	case SourcePrimary:
		return c.Primary, nil
	case SourceFallback:
		return c.Fallback, nil
	default:
		return SourceSettings{}, fmt.Errorf("config: unknown data source %q", name)
	}
}
