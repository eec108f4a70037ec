package config

import "time"

// NewDefaultConfig returns the baseline configuration. A TOML file overrides
// individual fields; env vars supply secrets.
func NewDefaultConfig() *Config {
	return &Config{
		DBPath: "shotmill.db",
		Server: Server{
			Addr:                    ":8080",
			ShutdownGracefulTimeout: Duration{15 * time.Second},
			ReadTimeout:             Duration{10 * time.Second},
			ReadHeaderTimeout:       Duration{5 * time.Second},
			WriteTimeout:            Duration{30 * time.Second},
			IdleTimeout:             Duration{120 * time.Second},
		},
		Queue: Queue{
			PromoteInterval: Duration{time.Second},
		},
		Worker: Worker{
			Count:           3,
			AttemptTimeout:  Duration{30 * time.Second},
			CheckoutTimeout: Duration{10 * time.Second},
			IdleWaitMin:     Duration{100 * time.Millisecond},
			IdleWaitMax:     Duration{2 * time.Second},
		},
		BrowserPool: BrowserPool{
			Size: 3,
		},
		Retry: Retry{
			BaseDelay:  Duration{30 * time.Second},
			MaxDelay:   Duration{30 * time.Minute},
			MaxRetries: 3,
		},
		Scanner: Scanner{
			Interval:   Duration{60 * time.Second},
			StuckAfter: Duration{30 * time.Minute},
			BatchSize:  50,
		},
		RateLimit: RateLimit{
			PlanCacheTTL: Duration{5 * time.Minute},
		},
		Credits: Credits{
			ScreenshotCost:     1,
			AnalysisCost:       2,
			LowCreditThreshold: 10,
		},
		Webhook: Webhook{
			AttemptTimeout: Duration{30 * time.Second},
			Tick:           Duration{5 * time.Second},
			BatchSize:      50,
			RetryDelays: []Duration{
				{1 * time.Minute},
				{5 * time.Minute},
				{15 * time.Minute},
				{30 * time.Minute},
				{60 * time.Minute},
			},
			TestRetryDelays:    []Duration{{30 * time.Second}},
			MaxAttempts:        3,
			TestMaxAttempts:    1,
			UserAgent:          "shotmill-webhook/1.0",
			OutboundRate:       20,
			OutboundBurst:      40,
			RetentionDelivered: Duration{30 * 24 * time.Hour},
			RetentionFailed:    Duration{7 * 24 * time.Hour},
			CleanupBatch:       500,
		},
		Artifacts: Artifacts{
			Dir:           "artifacts",
			PublicBaseURL: "http://localhost:8080/files",
			TokenTTL:      Duration{1 * time.Hour},
		},
		Session: Session{
			TokenDuration: Duration{24 * time.Hour},
		},
		Metrics: Metrics{
			Enabled:    false,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Log: Log{
			Level:         0, // slog.LevelInfo
			BatchSize:     128,
			FlushInterval: Duration{5 * time.Second},
		},
		Litestream: Litestream{
			Enabled:     false,
			ReplicaPath: "backups",
			ReplicaName: "primary",
		},
		TopK: TopK{
			Enabled:         false,
			K:               10,
			WindowSize:      10,
			Width:           1024,
			Depth:           3,
			TickSize:        100,
			MaxSharePercent: 35,
			ActivationRPS:   50,
		},
		Limits: Limits{
			MaxWidth:  3840,
			MaxHeight: 2160,
			MaxWaitMs: 10000,
		},
	}
}
