package pgcache

import (
	"fmt"
	"regexp"
	"time"

	"github.com/chaliy/pgcache/internal/metrics"
	"github.com/chaliy/pgcache/internal/mlog"
	"github.com/chaliy/pgcache/internal/retry"
)

var objectPrefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,30}$`)

// Config holds every recognized option from spec.md §6. Construct it
// through New's functional options, or load one from a map[string]any
// (e.g. parsed env vars or a config file) with FromMap.
type Config struct {
	DSN                   string
	ObjectPrefix          string
	NotifyChannel         string // derived from ObjectPrefix when empty
	DisableNotify         bool
	LocalMaxEntries       int
	DefaultTTL            *time.Duration // nil == no TTL
	PoolSize              int32
	ListenerReconnect     retry.Config
	GatewayRetry          retry.Config
	ServeStaleOnError     bool
	Logger                mlog.Logger
	Metrics               metrics.Recorder
	ReaperInterval        time.Duration
	SweepInterval         time.Duration // 0 disables the gateway-side janitor
	SweepBatchSize        int
}

// Option configures a Config constructed by New.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ObjectPrefix:      "cache",
		LocalMaxEntries:   10_000,
		PoolSize:          10,
		ListenerReconnect: retry.ListenerConfig(),
		GatewayRetry:      retry.DefaultConfig(),
		Logger:            &mlog.NoneLogger{},
		Metrics:           metrics.NoopRecorder{},
		ReaperInterval:    30 * time.Second,
		SweepInterval:     60 * time.Second,
		SweepBatchSize:    500,
	}
}

func WithDSN(dsn string) Option { return func(c *Config) { c.DSN = dsn } }

func WithObjectPrefix(prefix string) Option { return func(c *Config) { c.ObjectPrefix = prefix } }

func WithNotifyChannel(channel string) Option { return func(c *Config) { c.NotifyChannel = channel } }

func WithDisableNotify(disable bool) Option { return func(c *Config) { c.DisableNotify = disable } }

func WithLocalMaxEntries(n int) Option { return func(c *Config) { c.LocalMaxEntries = n } }

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) { c.DefaultTTL = &ttl }
}

func WithNoDefaultTTL() Option { return func(c *Config) { c.DefaultTTL = nil } }

func WithPoolSize(n int32) Option { return func(c *Config) { c.PoolSize = n } }

func WithListenerReconnect(cfg retry.Config) Option {
	return func(c *Config) { c.ListenerReconnect = cfg }
}

func WithGatewayRetry(cfg retry.Config) Option {
	return func(c *Config) { c.GatewayRetry = cfg }
}

func WithServeStaleOnError(enabled bool) Option {
	return func(c *Config) { c.ServeStaleOnError = enabled }
}

func WithLogger(logger mlog.Logger) Option { return func(c *Config) { c.Logger = logger } }

// WithMetrics registers a Recorder (e.g. metrics.NewCollector's result)
// to receive the cache's operation counters. The default is a no-op, so
// Prometheus is never pulled into the hot path unless asked for.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Config) { c.Metrics = recorder }
}

func WithReaperInterval(d time.Duration) Option { return func(c *Config) { c.ReaperInterval = d } }

// WithSweepInterval sets how often the gateway-side janitor sweeps
// expired rows from the authoritative table. An interval of 0 disables
// the janitor entirely: expired rows then stay in the table (reads treat
// them as absent) until an upsert of the same key overwrites them.
func WithSweepInterval(d time.Duration) Option { return func(c *Config) { c.SweepInterval = d } }

// WithSweepBatchSize bounds how many expired rows a single sweep
// deletes, to avoid one long-running DELETE on a large backlog.
func WithSweepBatchSize(n int) Option { return func(c *Config) { c.SweepBatchSize = n } }

func newConfig(opts ...Option) (Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = cfg.ObjectPrefix + "_events"
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.DSN == "" {
		return configError("dsn", fmt.Errorf("required"))
	}

	if !objectPrefixPattern.MatchString(c.ObjectPrefix) {
		return configError("object_prefix", fmt.Errorf("must match %s, got %q", objectPrefixPattern.String(), c.ObjectPrefix))
	}

	if c.LocalMaxEntries < 0 {
		return configError("local_max_entries", fmt.Errorf("must be >= 0, got %d", c.LocalMaxEntries))
	}

	if c.PoolSize < 1 {
		return configError("pool_size", fmt.Errorf("must be >= 1, got %d", c.PoolSize))
	}

	if !c.DisableNotify {
		if err := c.ListenerReconnect.Validate(); err != nil {
			return configError("listener_reconnect_backoff", err)
		}
	}

	if err := c.GatewayRetry.Validate(); err != nil {
		return configError("gateway_retry", err)
	}

	if c.SweepInterval > 0 && c.SweepBatchSize < 1 {
		return configError("sweep_batch_size", fmt.Errorf("must be >= 1 when sweep_interval is set, got %d", c.SweepBatchSize))
	}

	return nil
}

// FromMap builds Options from a string-keyed map, the shape config
// loaders (env vars, YAML, flags) typically hand back. Recognizes both
// the documented "disable_notify" key and the source project's
// misspelled "disable_notiffy" (spec.md §9 Open Question: the
// misspelling isn't normative, so both are accepted).
func FromMap(m map[string]any) ([]Option, error) {
	var opts []Option

	if v, ok := stringValue(m, "dsn"); ok {
		opts = append(opts, WithDSN(v))
	}

	if v, ok := stringValue(m, "object_prefix"); ok {
		opts = append(opts, WithObjectPrefix(v))
	}

	if v, ok := stringValue(m, "notify_channel"); ok {
		opts = append(opts, WithNotifyChannel(v))
	}

	disable, disableOK := boolValue(m, "disable_notify")
	disableMisspelled, misspelledOK := boolValue(m, "disable_notiffy")

	switch {
	case disableOK:
		opts = append(opts, WithDisableNotify(disable))
	case misspelledOK:
		opts = append(opts, WithDisableNotify(disableMisspelled))
	}

	if v, ok := intValue(m, "local_max_entries"); ok {
		opts = append(opts, WithLocalMaxEntries(v))
	}

	if v, ok := m["default_ttl"]; ok {
		if v == nil {
			opts = append(opts, WithNoDefaultTTL())
		} else if d, ok := durationValue(v); ok {
			opts = append(opts, WithDefaultTTL(d))
		} else {
			return nil, configError("default_ttl", fmt.Errorf("unsupported type %T", v))
		}
	}

	if v, ok := intValue(m, "pool_size"); ok {
		opts = append(opts, WithPoolSize(int32(v)))
	}

	if v, ok := m["serve_stale_on_error"]; ok {
		if b, ok := v.(bool); ok {
			opts = append(opts, WithServeStaleOnError(b))
		}
	}

	return opts, nil
}

func stringValue(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

func boolValue(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}

	b, ok := v.(bool)

	return b, ok
}

func intValue(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func durationValue(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, false
		}

		return parsed, true
	default:
		return 0, false
	}
}
