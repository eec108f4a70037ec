package shotmill

import (
	"log/slog"

	"github.com/shotmill/shotmill/core"
	"github.com/shotmill/shotmill/log"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/renderer"
	"github.com/shotmill/shotmill/worker"
)

// initializer holds optional overrides applied during New.
type initializer struct {
	logger          *slog.Logger
	rendererFactory renderer.Factory
	notifier        notify.Notifier
	mailer          core.Mailer
	analyzer        worker.Analyzer
}

// Option customizes the wiring.
type Option func(*initializer)

// WithLogger installs a caller-provided slog logger as the console side of
// the log fanout.
func WithLogger(l *slog.Logger) Option {
	return func(i *initializer) { i.logger = l }
}

// WithPhusLogger uses phuslu/log's JSON handler for console output.
func WithPhusLogger(opts *slog.HandlerOptions) Option {
	return func(i *initializer) { i.logger = log.NewPhusLogger(opts) }
}

// WithTextLogger uses the standard text handler for console output.
func WithTextLogger(opts *slog.HandlerOptions) Option {
	return func(i *initializer) { i.logger = log.NewTextLogger(opts) }
}

// WithRendererFactory replaces the headless-Chrome factory; tests use this
// to run without a browser.
func WithRendererFactory(f renderer.Factory) Option {
	return func(i *initializer) { i.rendererFactory = f }
}

// WithNotifier replaces the configured operator notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(i *initializer) { i.notifier = n }
}

// WithMailer replaces the configured mailer.
func WithMailer(m core.Mailer) Option {
	return func(i *initializer) { i.mailer = m }
}

// WithAnalyzer wires the analysis port; without it, analysis jobs fail.
func WithAnalyzer(a worker.Analyzer) Option {
	return func(i *initializer) { i.analyzer = a }
}
