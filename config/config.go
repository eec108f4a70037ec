package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Provider holds the application configuration and allows for atomic
// updates. Components keep the provider and call Get per operation, so a
// reload is visible without restarts.
type Provider struct {
	value atomic.Value // holds the current *Config
}

// NewProvider creates a provider with the initial config. It panics if the
// initial config is nil.
func NewProvider(c *Config) *Provider {
	if c == nil {
		panic("initial config cannot be nil")
	}
	p := &Provider{}
	p.value.Store(c)
	return p
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (p *Provider) Get() *Config {
	return p.value.Load().(*Config)
}

// Update atomically swaps the current configuration. The caller validates
// newConfig first.
func (p *Provider) Update(newConfig *Config) {
	p.value.Store(newConfig)
}

// Duration wraps time.Duration for TOML text encoding ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Environment variables carrying secrets. Secrets never live in the TOML
// file.
const (
	EnvSessionSecret  = "SHOTMILL_SESSION_SECRET"
	EnvArtifactSecret = "SHOTMILL_ARTIFACT_SECRET"
	EnvSmtpPassword   = "SMTP_PASSWORD"
	EnvDiscordWebhook = "DISCORD_WEBHOOK_URL"
)

type Server struct {
	// Addr is the HTTP server address to listen on (e.g. ":8080").
	Addr string

	ShutdownGracefulTimeout Duration
	ReadTimeout             Duration
	ReadHeaderTimeout       Duration
	WriteTimeout            Duration
	IdleTimeout             Duration

	// CertFile/KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

type Queue struct {
	// PromoteInterval is how often the promoter moves due delayed jobs to
	// the ready queue. Short intervals tighten retry latency at the cost of
	// more wakeups.
	PromoteInterval Duration
}

type Worker struct {
	// Count is the number of long-running workers pulling from the ready
	// queue.
	Count int

	// AttemptTimeout bounds one render attempt.
	AttemptTimeout Duration

	// CheckoutTimeout bounds the wait for a browser from the pool.
	CheckoutTimeout Duration

	// IdleWaitMin/IdleWaitMax bound the backoff a worker sleeps when the
	// ready queue is empty.
	IdleWaitMin Duration
	IdleWaitMax Duration
}

type BrowserPool struct {
	// Size is the maximum number of concurrently open renderers.
	Size int

	// ChromePath overrides the browser binary location. Empty means
	// autodetect.
	ChromePath string
}

type Retry struct {
	// BaseDelay is the first automatic-retry delay; each further retry
	// doubles it up to MaxDelay.
	BaseDelay Duration
	MaxDelay  Duration

	// MaxRetries is the default automatic retry budget per job.
	MaxRetries int
}

type Scanner struct {
	// Interval is the tick period of the stuck/retry-ready/failed-retryable
	// scanners.
	Interval Duration

	// StuckAfter is how long a processing job may go without updates before
	// it is considered stuck and its lock reclaimable.
	StuckAfter Duration

	// BatchSize bounds rows handled per scanner tick.
	BatchSize int
}

type RateLimit struct {
	// PlanCacheTTL bounds plan staleness in the limiter's cache.
	PlanCacheTTL Duration
}

type Credits struct {
	// ScreenshotCost and AnalysisCost are the per-job credit prices.
	ScreenshotCost int
	AnalysisCost   int

	// LowCreditThreshold triggers the optional warning mail when a
	// deduction crosses it. Zero disables the warning.
	LowCreditThreshold int
}

type Webhook struct {
	// AttemptTimeout bounds one delivery POST.
	AttemptTimeout Duration

	// Tick is the delivery daemon poll interval.
	Tick Duration

	// BatchSize bounds deliveries attempted per tick.
	BatchSize int

	// RetryDelays is the production retry schedule; TestRetryDelays applies
	// to WEBHOOK_TEST events.
	RetryDelays     []Duration
	TestRetryDelays []Duration

	MaxAttempts     int
	TestMaxAttempts int

	UserAgent string

	// OutboundRate caps delivery POSTs per second across all destinations.
	OutboundRate  float64
	OutboundBurst int

	// RetentionDelivered/RetentionFailed bound how long terminal deliveries
	// are kept; CleanupBatch bounds deletions per cleanup pass.
	RetentionDelivered Duration
	RetentionFailed    Duration
	CleanupBatch       int
}

type Artifacts struct {
	// Dir is the filesystem root of the object store.
	Dir string

	// PublicBaseURL prefixes result URLs handed to clients.
	PublicBaseURL string

	// TokenTTL bounds artifact access tokens; StrictUserCheck additionally
	// requires the token's user to match the requesting principal.
	TokenTTL        Duration
	StrictUserCheck bool

	// TokenSecret signs access tokens. Loaded from env.
	TokenSecret []byte `toml:"-"`
}

type Session struct {
	// Secret signs management-session JWTs. Loaded from env.
	Secret []byte `toml:"-"`

	TokenDuration Duration
}

type Metrics struct {
	Enabled bool

	// AllowedIPs restricts the /metrics endpoint. Entries may be single IPs
	// or CIDR ranges.
	AllowedIPs []string
}

type Notifier struct {
	// DiscordWebhookURL enables the Discord notifier when set. Loaded from
	// env.
	DiscordWebhookURL string `toml:"-"`
}

type Smtp struct {
	Enabled     bool
	Host        string
	Port        int
	Username    string
	Password    string `toml:"-"`
	From        string
	AuthMethod  string
	UseTLS      bool
	UseStartTLS bool
}

type Log struct {
	// Level is the minimum level persisted by the batch handler.
	Level int

	BatchSize     int
	FlushInterval Duration
}

type Litestream struct {
	Enabled     bool
	ReplicaPath string
	ReplicaName string
}

type TopK struct {
	Enabled bool

	// K is how many heavy submitters the sketch tracks; see topk.SketchParams for
	// the window knobs.
	K               int
	WindowSize      int
	Width           int
	Depth           int
	TickSize        uint64
	MaxSharePercent int
	ActivationRPS   int
}

type Limits struct {
	MaxWidth  int
	MaxHeight int
	MaxWaitMs int
}

type Config struct {
	DBPath string

	Server      Server
	Queue       Queue
	Worker      Worker
	BrowserPool BrowserPool
	Retry       Retry
	Scanner     Scanner
	RateLimit   RateLimit
	Credits     Credits
	Webhook     Webhook
	Artifacts   Artifacts
	Session     Session
	Metrics     Metrics
	Notifier    Notifier
	Smtp        Smtp
	Log         Log
	Litestream  Litestream
	TopK        TopK
	Limits      Limits
}
