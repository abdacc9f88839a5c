// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-scraper/internal/extract"
	"github.com/JakeFAU/realtime-scraper/internal/trigger"
)

// EnvPrefix namespaces every environment override, e.g. SCRAPER_SERVER_PORT.
const EnvPrefix = "SCRAPER"

// Snapshot backends.
const (
	SnapshotNone     = "none"
	SnapshotMemory   = "memory"
	SnapshotLocal    = "local"
	SnapshotGCS      = "gcs"
	SnapshotPostgres = "postgres"
	SnapshotRedis    = "redis"
)

// Extraction strategies.
const (
	StrategyLLM = "llm"
	StrategyCSS = "css"
)

// legacyEnv maps config keys to the environment names used by earlier
// deployments. They are consulted after the prefixed name.
var legacyEnv = map[string]string{
	"scrape.url":         "WEBPAGE_URL",
	"scrape.cron":        "CRONTAB",
	"scrape.schema":      "SCHEMA",
	"scrape.instruction": "PROMPT",
	"llm.api_key":        "GEMINI_API_KEY",
	"server.port":        "PORT",
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// RequestTimeout bounds /v1 handlers. Websocket routes are exempt.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// APIKeys are accepted verbatim. Prefer APIKeyHashes in production.
	APIKeys []string `mapstructure:"api_keys"`
	// APIKeyHashes are hex sha256 digests as printed by `scraper keygen`.
	APIKeyHashes []string `mapstructure:"api_key_hashes"`
}

// ScrapeConfig describes the one page this process scrapes.
type ScrapeConfig struct {
	Name        string         `mapstructure:"name"`
	URL         string         `mapstructure:"url"`
	Instruction string         `mapstructure:"instruction"`
	Schema      extract.Schema `mapstructure:"schema"`
	// Fields is the short form of Schema: names are normalized and every
	// field becomes required. Title names the generated schema.
	Fields   []extract.Field   `mapstructure:"fields"`
	Title    string            `mapstructure:"title"`
	Headers  map[string]string `mapstructure:"headers"`
	Cron     string            `mapstructure:"cron"`
	Timezone string            `mapstructure:"timezone"`
	// Timeout bounds one extraction. Zero means no bound.
	Timeout     time.Duration `mapstructure:"timeout"`
	SkipStartup bool          `mapstructure:"skip_startup"`
}

// ExtractConfig selects and tunes the extraction strategy.
type ExtractConfig struct {
	Strategy           string `mapstructure:"strategy"`
	WordCountThreshold int    `mapstructure:"word_count_threshold"`
	MaxContentChars    int    `mapstructure:"max_content_chars"`
}

// LLMConfig configures the Gemini client and its circuit breaker.
type LLMConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	Model              string        `mapstructure:"model"`
	Temperature        float32       `mapstructure:"temperature"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// CrawlerConfig governs the plain HTTP fetch.
type CrawlerConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxAttempts bounds probe retries on network errors, 429 and 5xx.
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Mode               string        `mapstructure:"mode"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	WaitSelector       string        `mapstructure:"wait_selector"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	ExecPath           string        `mapstructure:"exec_path"`
}

// WebSocketConfig tunes subscriber connections.
type WebSocketConfig struct {
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// RateLimitConfig bounds on-demand scrape requests.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// SnapshotConfig selects where the latest result survives restarts.
type SnapshotConfig struct {
	Backend        string        `mapstructure:"backend"`
	LocalDir       string        `mapstructure:"local_dir"`
	GCSBucket      string        `mapstructure:"gcs_bucket"`
	GCSObject      string        `mapstructure:"gcs_object"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.buildSchema(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.api_key_hashes", []string{})
	v.SetDefault("scrape.name", "default")
	v.SetDefault("scrape.url", "")
	v.SetDefault("scrape.instruction", "")
	v.SetDefault("scrape.cron", "*/5 * * * *")
	v.SetDefault("scrape.timezone", "UTC")
	v.SetDefault("scrape.timeout", "0s")
	v.SetDefault("scrape.skip_startup", false)
	v.SetDefault("extract.strategy", StrategyLLM)
	v.SetDefault("extract.word_count_threshold", 5)
	v.SetDefault("extract.max_content_chars", 100000)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.temperature", 0)
	v.SetDefault("llm.breaker_failures", 5)
	v.SetDefault("llm.breaker_open_timeout", "1m")
	v.SetDefault("crawler.user_agent", "realtime-scraper/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.retry_base_delay", "250ms")
	v.SetDefault("http.retry_max_delay", "5s")
	v.SetDefault("headless.mode", string(extract.HeadlessOff))
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.promotion_threshold", 1024)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("websocket.send_timeout", "5s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.read_limit", 4096)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("ratelimit.per_second", 0.2)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("snapshot.backend", SnapshotNone)
	v.SetDefault("snapshot.local_dir", "data/snapshot")
	v.SetDefault("snapshot.gcs_object", "snapshots/latest.json")
	v.SetDefault("snapshot.persist_timeout", "10s")
	v.SetDefault("db.table", "scrape_snapshots")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("redis.key_prefix", "scraper:snapshot:")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "realtime-scraper")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

func bindLegacyEnv(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToSchemaHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// stringToSchemaHook lets scrape.schema arrive as a JSON document, which is
// how it is passed through the environment.
func stringToSchemaHook() mapstructure.DecodeHookFuncType {
	schemaType := reflect.TypeOf(extract.Schema{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != schemaType {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return extract.Schema{}, nil
		}
		schema, err := extract.ParseSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("scrape.schema: %w", err)
		}
		return schema, nil
	}
}

// buildSchema turns scrape.fields into scrape.schema.
func (c *Config) buildSchema() error {
	if len(c.Scrape.Fields) == 0 {
		return nil
	}
	if len(c.Scrape.Schema.Properties) > 0 {
		return fmt.Errorf("set either scrape.schema or scrape.fields, not both")
	}
	schema, err := extract.BuildSchema(c.Scrape.Title, c.Scrape.Fields)
	if err != nil {
		return fmt.Errorf("scrape.fields: %w", err)
	}
	c.Scrape.Schema = schema
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.validateScrape(); err != nil {
		return err
	}
	if err := c.validateExtract(); err != nil {
		return err
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts < 0 {
		return fmt.Errorf("http.max_attempts must be >= 0")
	}
	switch extract.HeadlessMode(c.Headless.Mode) {
	case extract.HeadlessOff, extract.HeadlessAuto, extract.HeadlessAlways:
	default:
		return fmt.Errorf("headless.mode must be one of off, auto, always (got %q)", c.Headless.Mode)
	}
	if c.WebSocket.SendTimeout < 0 {
		return fmt.Errorf("websocket.send_timeout must be >= 0")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be > 0")
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit values must be >= 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("auth.api_keys or auth.api_key_hashes must be set when auth is enabled")
	}
	if err := c.validateSnapshot(); err != nil {
		return err
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id are required when pubsub is enabled")
	}
	return nil
}

func (c Config) validateScrape() error {
	if strings.TrimSpace(c.Scrape.Name) == "" {
		return fmt.Errorf("scrape.name is required")
	}
	u, err := url.Parse(c.Scrape.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("scrape.url must be an absolute http(s) URL (got %q)", c.Scrape.URL)
	}
	if strings.TrimSpace(c.Scrape.Cron) == "" {
		return fmt.Errorf("scrape.cron is required")
	}
	if err := trigger.Validate(c.Scrape.Cron, c.Scrape.Timezone); err != nil {
		return fmt.Errorf("scrape.cron: %w", err)
	}
	if c.Scrape.Timeout < 0 {
		return fmt.Errorf("scrape.timeout must be >= 0")
	}
	if err := c.Scrape.Schema.Validate(); err != nil {
		return fmt.Errorf("scrape.schema: %w", err)
	}
	return nil
}

func (c Config) validateExtract() error {
	switch c.Extract.Strategy {
	case StrategyLLM:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for the llm strategy")
		}
	case StrategyCSS:
		if err := c.Scrape.Schema.ValidateSelectors(); err != nil {
			return fmt.Errorf("scrape.schema: %w", err)
		}
	default:
		return fmt.Errorf("extract.strategy must be llm or css (got %q)", c.Extract.Strategy)
	}
	if c.Extract.WordCountThreshold < 0 {
		return fmt.Errorf("extract.word_count_threshold must be >= 0")
	}
	return nil
}

func (c Config) validateSnapshot() error {
	switch c.Snapshot.Backend {
	case SnapshotNone, SnapshotMemory:
	case SnapshotLocal:
		if c.Snapshot.LocalDir == "" {
			return fmt.Errorf("snapshot.local_dir is required for the local backend")
		}
	case SnapshotGCS:
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket is required for the gcs backend")
		}
	case SnapshotPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	case SnapshotRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("snapshot.backend %q is not supported", c.Snapshot.Backend)
	}
	return nil
}

// Workflow returns the path-safe name used by /connect/{workflow}.
func (c Config) Workflow() string {
	return extract.WorkflowName(c.Scrape.Name)
}

// HTTPHeaders converts the configured request headers.
func (c ScrapeConfig) HTTPHeaders() http.Header {
	out := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		out.Set(k, v)
	}
	return out
}
