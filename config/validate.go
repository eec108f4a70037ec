package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemons cannot run with.
// It reports every problem at once.
func Validate(cfg *Config) error {
	var problems []string

	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.DBPath == "" {
		add("dbpath is required")
	}
	if cfg.Server.Addr == "" {
		add("server.addr is required")
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		add("server.certfile and server.keyfile must be set together")
	}

	if cfg.Worker.Count < 1 {
		add("worker.count must be at least 1")
	}
	if cfg.Worker.AttemptTimeout.Duration <= 0 {
		add("worker.attempttimeout must be positive")
	}
	if cfg.Worker.IdleWaitMin.Duration <= 0 || cfg.Worker.IdleWaitMax.Duration < cfg.Worker.IdleWaitMin.Duration {
		add("worker idle wait bounds must satisfy 0 < min <= max")
	}

	if cfg.BrowserPool.Size < 1 {
		add("browserpool.size must be at least 1")
	}

	if cfg.Retry.BaseDelay.Duration <= 0 || cfg.Retry.MaxDelay.Duration < cfg.Retry.BaseDelay.Duration {
		add("retry delays must satisfy 0 < basedelay <= maxdelay")
	}
	if cfg.Retry.MaxRetries < 0 {
		add("retry.maxretries must not be negative")
	}

	if cfg.Scanner.Interval.Duration <= 0 {
		add("scanner.interval must be positive")
	}
	if cfg.Scanner.StuckAfter.Duration <= 0 {
		add("scanner.stuckafter must be positive")
	}
	if cfg.Scanner.BatchSize < 1 {
		add("scanner.batchsize must be at least 1")
	}

	if cfg.Queue.PromoteInterval.Duration <= 0 {
		add("queue.promoteinterval must be positive")
	}

	if cfg.Credits.ScreenshotCost < 1 || cfg.Credits.AnalysisCost < 1 {
		add("credit costs must be at least 1")
	}

	if cfg.Webhook.MaxAttempts < 1 || cfg.Webhook.TestMaxAttempts < 1 {
		add("webhook attempt counts must be at least 1")
	}
	if len(cfg.Webhook.RetryDelays) == 0 {
		add("webhook.retrydelays must not be empty")
	}
	if cfg.Webhook.AttemptTimeout.Duration <= 0 {
		add("webhook.attempttimeout must be positive")
	}

	if cfg.Artifacts.Dir == "" {
		add("artifacts.dir is required")
	}
	if len(cfg.Artifacts.TokenSecret) > 0 && len(cfg.Artifacts.TokenSecret) < 32 {
		add("artifacts token secret must be at least 32 bytes")
	}
	if len(cfg.Session.Secret) > 0 && len(cfg.Session.Secret) < 32 {
		add("session secret must be at least 32 bytes")
	}

	if cfg.Limits.MaxWidth < 1 || cfg.Limits.MaxHeight < 1 {
		add("limits.maxwidth and limits.maxheight must be at least 1")
	}

	if cfg.Smtp.Enabled {
		if cfg.Smtp.Host == "" || cfg.Smtp.Port == 0 || cfg.Smtp.From == "" {
			add("smtp requires host, port and from when enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
