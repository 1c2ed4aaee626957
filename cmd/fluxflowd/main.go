// Command fluxflowd runs the block ingestion pipeline, enhancement
// engine, and outward API surface as a single long-lived process.
// Grounded on the teacher's cmd/kcn/main.go: a urfave/cli.v1 app with a
// flag table feeding a config struct, fatal-at-startup validation, and a
// signal-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/urfave/cli.v1"

	"github.com/2ndtlmining/fluxflow/internal/api"
	"github.com/2ndtlmining/fluxflow/internal/classifier"
	"github.com/2ndtlmining/fluxflow/internal/config"
	"github.com/2ndtlmining/fluxflow/internal/enhcache"
	"github.com/2ndtlmining/fluxflow/internal/enhancement"
	"github.com/2ndtlmining/fluxflow/internal/indexer"
	"github.com/2ndtlmining/fluxflow/internal/ingestion"
	"github.com/2ndtlmining/fluxflow/internal/logging"
	"github.com/2ndtlmining/fluxflow/internal/store"
)

var (
	databasePathFlag = cli.StringFlag{
		Name:  "db",
		Usage: "path to the embedded SQL database file",
		Value: "fluxflow.db",
	}
	primarySourceFlag = cli.StringFlag{
		Name:  "primary-url",
		Usage: "base URL of the primary (local) indexer",
		Value: "http://127.0.0.1:8000",
	}
	fallbackSourceFlag = cli.StringFlag{
		Name:  "fallback-url",
		Usage: "base URL of the fallback (public) indexer",
		Value: "https://explorer.runonflux.io",
	}
	exchangeListFlag = cli.StringFlag{
		Name:  "exchange-list",
		Usage: "path to the static exchange/foundation address list",
	}
	nodeRegistryFlag = cli.StringFlag{
		Name:  "node-registry-url",
		Usage: "URL of the node operator registry endpoint",
		Value: "https://stats.runonflux.io/fluxinfo?projection=payment",
	}
	listenAddrFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "address the outward API surface listens on",
		Value: "127.0.0.1:8787",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "zerolog level (debug, info, warn, error)",
		Value: "info",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "fluxflowd"
	app.Usage = "UTXO exchange-flow classification daemon"
	app.Flags = []cli.Flag{
		databasePathFlag,
		primarySourceFlag,
		fallbackSourceFlag,
		exchangeListFlag,
		nodeRegistryFlag,
		listenAddrFlag,
		logLevelFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if lvl, err := zerolog.ParseLevel(c.String(logLevelFlag.Name)); err == nil {
		logging.SetLevel(lvl)
	}
	log := logging.NewModuleLogger("main")

	cfg := config.Default()
	cfg.DatabasePath = c.String(databasePathFlag.Name)
	cfg.NodeOperatorRegistryURL = c.String(nodeRegistryFlag.Name)
	cfg.ExchangeFoundationListPath = c.String(exchangeListFlag.Name)

	// Configuration invariant violations are fatal at startup, before any
	// scheduler arms (§7).
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store")
	}
	defer st.Close()

	cl, err := classifier.New(cfg.ExchangeFoundationListPath, cfg.NodeOperatorRegistryURL, cfg.NodeOperatorStaleAfter, http.DefaultClient)
	if err != nil {
		log.Fatal().Err(err).Msg("constructing classifier")
	}
	if err := cl.RefreshNodeOperators(); err != nil {
		log.Warn().Err(err).Msg("initial node-operator refresh failed, continuing with empty set")
	}

	client := indexer.New(cfg, c.String(primarySourceFlag.Name), c.String(fallbackSourceFlag.Name), http.DefaultClient)
	cache := enhcache.New()

	pipeline := ingestion.New(cfg, client, cl, st)
	ingestScheduler := ingestion.NewScheduler(pipeline, cfg.IngestionTickPeriod)

	engine := enhancement.New(cfg, client, cl, st, cache)
	enhanceScheduler := enhancement.NewScheduler(engine, st, cfg.EnhancementTickPeriod, cfg.Enhancement.BackgroundJob.MinUnknownsThreshold)

	server := api.New(st, ingestScheduler, enhanceScheduler, engine)
	httpServer := &http.Server{Addr: c.String(listenAddrFlag.Name), Handler: server}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestScheduler.Start(ctx)
	if cfg.Enhancement.BackgroundJob.Enabled {
		enhanceScheduler.Start(ctx)
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown: signal received, stopping schedulers")
	ingestScheduler.Stop()
	enhanceScheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown: api server did not shut down cleanly")
	}

	return nil
}
