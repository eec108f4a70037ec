// Package shotmill wires the capture service together: store, queues,
// browser pool, workers, scanners, webhook engine and the HTTP surface.
package shotmill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shotmill/shotmill/artifact"
	"github.com/shotmill/shotmill/backup"
	"github.com/shotmill/shotmill/cache/ristretto"
	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/core"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/db/zombiezen"
	"github.com/shotmill/shotmill/log"
	"github.com/shotmill/shotmill/mail"
	"github.com/shotmill/shotmill/metrics"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/notify/discord"
	"github.com/shotmill/shotmill/queue"
	"github.com/shotmill/shotmill/ratelimit"
	"github.com/shotmill/shotmill/renderer"
	chromerenderer "github.com/shotmill/shotmill/renderer/chromedp"
	"github.com/shotmill/shotmill/router/httprouter"
	"github.com/shotmill/shotmill/server"
	"github.com/shotmill/shotmill/topk"
	"github.com/shotmill/shotmill/webhook"
	"github.com/shotmill/shotmill/worker"
)

// New builds the application and its server from a config file path.
func New(configPath string, opts ...Option) (*server.Server, error) {
	init := &initializer{}
	for _, opt := range opts {
		opt(init)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	provider := config.NewProvider(cfg)
	clk := clock.System()

	// Bootstrap logger; swapped for the fanout once the store exists.
	logger := init.logger
	if logger == nil {
		logger = log.NewTextLogger(nil)
	}

	store, err := zombiezen.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Persisting log handler on top of the console one.
	batchHandler := log.NewBatchHandler(slog.Level(cfg.Log.Level), cfg.Log.BatchSize)
	consoleLogger := logger
	logger = slog.New(log.NewFanout(logger.Handler(), batchHandler))
	logDaemon := log.NewDaemon(provider, batchHandler, store, consoleLogger)

	var rec metrics.Recorder = metrics.Nil()
	if cfg.Metrics.Enabled {
		rec = metrics.NewPrometheusRecorder(nil)
	}

	planCache, err := ristretto.New[*db.Plan](ristretto.Small)
	if err != nil {
		return nil, err
	}
	authCache, err := ristretto.New[core.Principal](ristretto.Small)
	if err != nil {
		return nil, err
	}

	q := queue.NewMemory(rec)
	promoter := queue.NewPromoter(provider, q, clk, logger)

	ledger := credits.NewLedger(provider, store)
	limiter := ratelimit.NewLimiter(provider, store, clk, planCache)

	artifacts, err := artifact.NewFsStore(cfg.Artifacts.Dir, cfg.Artifacts.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	engine := webhook.NewEngine(provider, store, clk, logger, rec)
	deliverer := webhook.NewDeliverer(engine, webhook.NewHttpPoster(), logger)

	factory := init.rendererFactory
	if factory == nil {
		factory = chromerenderer.Factory(cfg.BrowserPool.ChromePath)
	}
	browsers, err := renderer.NewPool(cfg.BrowserPool.Size, factory, rec)
	if err != nil {
		return nil, err
	}

	notifier := init.notifier
	if notifier == nil {
		notifier = notify.NewNilNotifier()
		if cfg.Notifier.DiscordWebhookURL != "" {
			dn, err := discord.New(discord.Options{WebhookURL: cfg.Notifier.DiscordWebhookURL}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to build discord notifier: %w", err)
			}
			notifier = dn
		}
	}

	var mailer core.Mailer
	if init.mailer != nil {
		mailer = init.mailer
	} else if cfg.Smtp.Enabled {
		mailer = mail.New(cfg.Smtp, logger)
	}

	var sketch *topk.Sketch
	if cfg.TopK.Enabled {
		sketch = topk.New(topk.SketchParams{
			K:               cfg.TopK.K,
			WindowSize:      cfg.TopK.WindowSize,
			Width:           cfg.TopK.Width,
			Depth:           cfg.TopK.Depth,
			TickSize:        cfg.TopK.TickSize,
			MaxSharePercent: cfg.TopK.MaxSharePercent,
			ActivationRPS:   cfg.TopK.ActivationRPS,
		})
	}

	pool := worker.NewPool(worker.PoolOpts{
		Config:    provider,
		Store:     store,
		Queue:     q,
		Browsers:  browsers,
		Artifacts: artifacts,
		Ledger:    ledger,
		Webhooks:  engine,
		Clock:     clk,
		Logger:    logger,
		Metrics:   rec,
		Notifier:  notifier,
		Analyzer:  init.analyzer,
	})
	scanner := worker.NewScanner(worker.ScannerOpts{
		Config:   provider,
		Store:    store,
		Queue:    q,
		Ledger:   ledger,
		Webhooks: engine,
		Clock:    clk,
		Logger:   logger,
		Metrics:  rec,
		Notifier: notifier,
	})

	app := core.NewApp(core.AppOpts{
		Config:    provider,
		Db:        store,
		Queue:     q,
		Ledger:    ledger,
		Limiter:   limiter,
		Clock:     clk,
		Logger:    logger,
		Metrics:   rec,
		Webhooks:  engine,
		Deliverer: deliverer,
		Artifacts: artifacts,
		Params:    httprouter.NewParamGeter(),
		AuthCache: authCache,
		Mailer:    mailer,
		Sketch:    sketch,
		Notifier:  notifier,
	})

	srv := server.NewServer(provider, Routes(app), logger)
	srv.AddDaemon(logDaemon)
	srv.AddDaemon(promoter)
	srv.AddDaemon(deliverer)
	srv.AddDaemon(scanner)
	srv.AddDaemon(pool)
	srv.AddDaemon(browserPoolDaemon{browsers})

	if cfg.Litestream.Enabled {
		ls, err := backup.NewLitestream(provider, logger)
		if err != nil {
			return nil, err
		}
		srv.AddDaemon(ls)
	}

	return srv, nil
}

// browserPoolDaemon adapts the pool's shutdown to the daemon lifecycle.
type browserPoolDaemon struct {
	pool *renderer.Pool
}

func (d browserPoolDaemon) Name() string { return "browser-pool" }
func (d browserPoolDaemon) Start() error { return nil }
func (d browserPoolDaemon) Stop(ctx context.Context) error {
	d.pool.Shutdown()
	return nil
}
