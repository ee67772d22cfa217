package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/autoscale"
	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/engine"
	"github.com/ternarybob/crawlcore/internal/events"
	"github.com/ternarybob/crawlcore/internal/model"
	"github.com/ternarybob/crawlcore/internal/pipeline"
	"github.com/ternarybob/crawlcore/internal/queue"
	"github.com/ternarybob/crawlcore/internal/sessionpool"
	"github.com/ternarybob/crawlcore/internal/stats"
	"github.com/ternarybob/crawlcore/internal/storage/badger"
)

var (
	configPath  = flag.String("config", "", "Configuration file path (TOML)")
	startURL    = flag.String("url", "https://example.com", "Seed URL to crawl")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("crawlcore version %s\n", common.GetVersion())
		os.Exit(0)
	}

	cfg, err := common.LoadConfiguration(*configPath)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := common.NewLogger(cfg.Logging, cfg.LogLevel)
	common.PrintBanner(cfg, logger)
	defer common.Stop()

	manager, err := badger.NewManager(badger.Config{
		Path:           cfg.Storage.Path,
		ResetOnStartup: cfg.PurgeOnStart,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer manager.Close()

	bus := events.NewBus(logger)

	queueStore, err := manager.RequestQueues.GetOrCreate(cfg.DefaultRequestQueueID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open request queue storage")
	}
	kvStore, err := manager.KeyValues.GetOrCreate(cfg.DefaultKeyValueStoreID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open key-value storage")
	}

	reqQueue := queue.New(queueStore.AsQueueStore(), logger)
	if err := reqQueue.Restore(); err != nil {
		logger.Warn().Err(err).Msg("failed to restore request queue state")
	}

	sessions := sessionpool.New(sessionpool.Config{}, bus, kvStore.AsSessionPoolStore(), logger)
	if err := sessions.Restore(); err != nil {
		logger.Warn().Err(err).Msg("failed to restore session pool state")
	}

	statistics := stats.New(kvStore, logger)

	snapshotter := autoscale.New(autoscale.SnapshotterConfig{}, bus, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshotter.Start(ctx)
	defer snapshotter.Stop()

	systemStatus := autoscale.NewSystemStatus(snapshotter, autoscale.SystemStatusConfig{})

	router := engine.NewRouter()
	router.AddDefaultHandler(defaultHandler(logger))

	ctxPipeline := pipeline.New(pipeline.HTTPStages(pipeline.HTTPStagesConfig{
		AdditionalUserAgent: "crawlcore/" + common.GetVersion(),
	})...)

	crawlEngine := engine.New(engine.Options{}, reqQueue, sessions, ctxPipeline, router, statistics, logger, nil)

	seed, err := model.NewRequest(*startURL, model.MethodGET)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build seed request")
	}
	if _, err := reqQueue.AddRequest(seed, false); err != nil {
		logger.Fatal().Err(err).Msg("failed to enqueue seed request")
	}

	pool := autoscale.New(
		engine.Options{}.Pool,
		systemStatus,
		crawlEngine.RunOneTask,
		crawlEngine.IsTaskReady,
		crawlEngine.IsFinished,
		logger,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("interrupt received, aborting crawl")
		crawlEngine.Abort()
		pool.Abort()
	}()

	ticker := common.NewTicker(bus, logger)
	if err := bus.Subscribe(events.TypePersistState, func(context.Context, events.Event) error {
		if err := sessions.PersistState(); err != nil {
			logger.Warn().Err(err).Msg("failed to persist session pool state")
		}
		return statistics.Persist()
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe persistState handler")
	}
	if err := ticker.SchedulePersistState(cfg.PersistStateIntervalMillis); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule persistState ticker")
	}
	ticker.Start()
	defer ticker.Stop()

	logger.Info().Str("seed_url", *startURL).Msg("starting crawl")
	pool.Run(ctx)

	statistics.LogSummary()
	if err := sessions.PersistState(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist session pool state")
	}
	if err := statistics.Persist(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist statistics")
	}

	common.PrintShutdownBanner(logger)
}

// defaultHandler is a minimal example handler: it logs the loaded URL
// and, if the response was HTML, its parsed document title.
func defaultHandler(logger arbor.ILogger) engine.Handler {
	return func(_ context.Context, cc *model.CrawlingContext) error {
		entry := logger.Info().
			Str("url", cc.Request.URL).
			Str("loaded_url", cc.Request.LoadedURL)

		if doc, ok := model.Extension[*goquery.Document](cc, pipeline.ExtensionDocument); ok {
			entry = entry.Str("title", doc.Find("title").First().Text())
		}
		entry.Msg("handled request")
		return nil
	}
}
