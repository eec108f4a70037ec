package core

import (
	"log/slog"

	"github.com/shotmill/shotmill/cache"
	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/metrics"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/queue"
	"github.com/shotmill/shotmill/ratelimit"
	"github.com/shotmill/shotmill/router"
	"github.com/shotmill/shotmill/topk"
	"github.com/shotmill/shotmill/webhook"
)

// ArtifactOpener is the read side of artifact serving; the fs store
// implements it.
type ArtifactOpener interface {
	Open(key string) ([]byte, error)
}

// Mailer is the optional transactional-mail port. The app must not assume
// one is configured.
type Mailer interface {
	SendLowCreditWarning(email string, balance int)
}

// App aggregates the admission path's collaborators and carries the HTTP
// handlers as methods.
type App struct {
	cfg       *config.Provider
	db        db.Db
	queue     queue.Queue
	ledger    *credits.Ledger
	limiter   *ratelimit.Limiter
	clock     clock.Clock
	logger    *slog.Logger
	metrics   metrics.Recorder
	webhooks  *webhook.Engine
	deliverer *webhook.Deliverer
	artifacts ArtifactOpener
	params    router.ParamGeter
	authCache cache.Cache[string, Principal]
	mailer    Mailer
	sketch    *topk.Sketch
	notifier  notify.Notifier
}

type AppOpts struct {
	Config    *config.Provider
	Db        db.Db
	Queue     queue.Queue
	Ledger    *credits.Ledger
	Limiter   *ratelimit.Limiter
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   metrics.Recorder
	Webhooks  *webhook.Engine
	Deliverer *webhook.Deliverer
	Artifacts ArtifactOpener
	Params    router.ParamGeter
	AuthCache cache.Cache[string, Principal]
	Mailer    Mailer
	Sketch    *topk.Sketch
	Notifier  notify.Notifier
}

func NewApp(opts AppOpts) *App {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nil()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNilNotifier()
	}
	return &App{
		cfg:       opts.Config,
		db:        opts.Db,
		queue:     opts.Queue,
		ledger:    opts.Ledger,
		limiter:   opts.Limiter,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		webhooks:  opts.Webhooks,
		deliverer: opts.Deliverer,
		artifacts: opts.Artifacts,
		params:    opts.Params,
		authCache: opts.AuthCache,
		mailer:    opts.Mailer,
		sketch:    opts.Sketch,
		notifier:  opts.Notifier,
	}
}

func (a *App) Config() *config.Config { return a.cfg.Get() }
func (a *App) Logger() *slog.Logger   { return a.logger }
