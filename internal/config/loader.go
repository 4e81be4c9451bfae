package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"chatloop/internal/batching"
	"chatloop/internal/kvcache"
	"chatloop/internal/router"
	"chatloop/internal/stage"
)

// Environment overrides.
const (
	EnvConfig = "CHATLOOP_CONFIG"
	EnvAddr   = "CHATLOOP_ADDR"
)

// Modes.
const (
	ModeWorker = "worker"
	ModeRouter = "router"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultBindAddress  = "0.0.0.0"
	DefaultWorkerPort   = 50051
	DefaultRouterPort   = 8080
	DefaultKVCacheMB    = 512
	DefaultMaxBodyBytes = 8 << 20
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
)

// Config holds runtime parameters for a worker or a router.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Mode          string        `json:"mode" yaml:"mode" toml:"mode"`
	BindAddress   string        `json:"bind_address" yaml:"bind_address" toml:"bind_address"`
	Port          int           `json:"port" yaml:"port" toml:"port"`
	Worker        Worker        `json:"worker" yaml:"worker" toml:"worker"`
	Router        Router        `json:"router" yaml:"router" toml:"router"`
	Performance   Performance   `json:"performance" yaml:"performance" toml:"performance"`
	Observability Observability `json:"observability" yaml:"observability" toml:"observability"`
}

// Worker configures one pipeline stage.
type Worker struct {
	Stage int `json:"stage" yaml:"stage" toml:"stage"`
	// WeightsPath is the stage's partition file. When empty the partition is
	// looked up by stage in WeightsDir.
	WeightsPath      string `json:"weights_path" yaml:"weights_path" toml:"weights_path"`
	WeightsDir       string `json:"weights_dir" yaml:"weights_dir" toml:"weights_dir"`
	NextStage        string `json:"next_stage" yaml:"next_stage" toml:"next_stage"`
	PrevStage        string `json:"prev_stage" yaml:"prev_stage" toml:"prev_stage"`
	MaxBatchSize     int    `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	BatchingWindowMs int    `json:"batching_window_ms" yaml:"batching_window_ms" toml:"batching_window_ms"`
	MaxQueueSize     int    `json:"max_queue_size" yaml:"max_queue_size" toml:"max_queue_size"`
	QueueTimeoutMs   int    `json:"queue_timeout_ms" yaml:"queue_timeout_ms" toml:"queue_timeout_ms"`
	HandoffAttempts  int    `json:"handoff_attempts" yaml:"handoff_attempts" toml:"handoff_attempts"`
	HandoffBackoffMs int    `json:"handoff_backoff_ms" yaml:"handoff_backoff_ms" toml:"handoff_backoff_ms"`
	IdleTimeoutSecs  int    `json:"idle_timeout_secs" yaml:"idle_timeout_secs" toml:"idle_timeout_secs"`
	DefaultMaxTokens int    `json:"default_max_tokens" yaml:"default_max_tokens" toml:"default_max_tokens"`
}

// Router configures the front node.
type Router struct {
	Replicas                []string `json:"replicas" yaml:"replicas" toml:"replicas"`
	HealthCheckIntervalSecs int      `json:"health_check_interval_secs" yaml:"health_check_interval_secs" toml:"health_check_interval_secs"`
	HealthTimeoutMs         int      `json:"health_timeout_ms" yaml:"health_timeout_ms" toml:"health_timeout_ms"`
	FailureThreshold        int      `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryThreshold       int      `json:"recovery_threshold" yaml:"recovery_threshold" toml:"recovery_threshold"`
	RequestTimeoutSecs      int      `json:"request_timeout_secs" yaml:"request_timeout_secs" toml:"request_timeout_secs"`
	MaxConcurrentRequests   int      `json:"max_concurrent_requests" yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
}

// Performance holds resource limits.
type Performance struct {
	// KVCacheMB bounds each stage's KV cache; negative means unlimited.
	KVCacheMB     int   `json:"kv_cache_mb" yaml:"kv_cache_mb" toml:"kv_cache_mb"`
	WorkerThreads int   `json:"worker_threads" yaml:"worker_threads" toml:"worker_threads"`
	MaxBodyBytes  int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// MaxForwardBytes bounds handoff bodies; 0 sizes it from max_batch_size
	// and the partition's context length and width.
	MaxForwardBytes int64 `json:"max_forward_bytes" yaml:"max_forward_bytes" toml:"max_forward_bytes"`
}

// Observability configures logging, metrics and the HTTP surface.
type Observability struct {
	LogLevel           string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat          string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	DisableMetrics     bool     `json:"disable_metrics" yaml:"disable_metrics" toml:"disable_metrics"`
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Resolve loads the file at path, or at $CHATLOOP_CONFIG when path is
// empty, applies defaults, the $CHATLOOP_ADDR override and then overrides
// in order, and validates the result for mode. With neither a path nor the
// variable set it starts from an empty config.
func Resolve(path, mode string, overrides ...func(*Config) error) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	var cfg Config
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	if mode != "" {
		if cfg.Mode != "" && normalizeMode(cfg.Mode) != mode {
			return cfg, fmt.Errorf("config is for mode %q, not %q", cfg.Mode, mode)
		}
		cfg.Mode = mode
	}
	cfg.ApplyDefaults()
	if v := os.Getenv(EnvAddr); v != "" {
		if err := cfg.SetAddr(v); err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvAddr, err)
		}
	}
	for _, o := range overrides {
		if err := o(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func normalizeMode(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "coordinator" {
		return ModeRouter
	}
	return m
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	c.Mode = normalizeMode(c.Mode)
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.Port == 0 {
		c.Port = DefaultWorkerPort
		if c.Mode == ModeRouter {
			c.Port = DefaultRouterPort
		}
	}

	w := &c.Worker
	if w.MaxBatchSize == 0 {
		w.MaxBatchSize = batching.DefaultMaxBatchSize
	}
	if w.BatchingWindowMs == 0 {
		w.BatchingWindowMs = int(batching.DefaultWindow / time.Millisecond)
	}
	if w.MaxQueueSize == 0 {
		w.MaxQueueSize = batching.DefaultMaxQueueSize
	}
	if w.QueueTimeoutMs == 0 {
		w.QueueTimeoutMs = int(batching.DefaultQueueTimeout / time.Millisecond)
	}
	if w.HandoffAttempts == 0 {
		w.HandoffAttempts = stage.DefaultHandoffAttempts
	}
	if w.HandoffBackoffMs == 0 {
		w.HandoffBackoffMs = int(stage.DefaultHandoffBackoff / time.Millisecond)
	}
	if w.IdleTimeoutSecs == 0 {
		w.IdleTimeoutSecs = int(kvcache.DefaultIdleTimeout / time.Second)
	}

	r := &c.Router
	if r.HealthCheckIntervalSecs == 0 {
		r.HealthCheckIntervalSecs = int(router.DefaultHealthInterval / time.Second)
	}
	if r.HealthTimeoutMs == 0 {
		r.HealthTimeoutMs = int(router.DefaultHealthTimeout / time.Millisecond)
	}
	if r.FailureThreshold == 0 {
		r.FailureThreshold = router.DefaultFailureThreshold
	}
	if r.RecoveryThreshold == 0 {
		r.RecoveryThreshold = router.DefaultRecoveryThreshold
	}
	if r.RequestTimeoutSecs == 0 {
		r.RequestTimeoutSecs = int(router.DefaultRequestTimeout / time.Second)
	}
	if r.MaxConcurrentRequests == 0 {
		r.MaxConcurrentRequests = router.DefaultMaxConcurrent
	}

	if c.Performance.KVCacheMB == 0 {
		c.Performance.KVCacheMB = DefaultKVCacheMB
	}
	if c.Performance.MaxBodyBytes <= 0 {
		c.Performance.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = DefaultLogLevel
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = DefaultLogFormat
	}
}

// Validate checks the fields the selected mode needs.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Mode {
	case ModeWorker:
		w := c.Worker
		if w.Stage < 0 {
			return fmt.Errorf("worker.stage must not be negative")
		}
		if w.WeightsPath == "" && w.WeightsDir == "" {
			return fmt.Errorf("worker.weights_path or worker.weights_dir is required")
		}
		if w.MaxBatchSize < 1 || w.MaxQueueSize < 1 {
			return fmt.Errorf("worker.max_batch_size and worker.max_queue_size must be positive")
		}
		if w.BatchingWindowMs < 0 || w.QueueTimeoutMs < 0 || w.HandoffBackoffMs < 0 || w.IdleTimeoutSecs < 0 {
			return fmt.Errorf("worker durations must not be negative")
		}
		if w.HandoffAttempts < 1 {
			return fmt.Errorf("worker.handoff_attempts must be positive")
		}
	case ModeRouter:
		r := c.Router
		if len(r.Replicas) == 0 {
			return fmt.Errorf("router.replicas must list at least one endpoint")
		}
		if r.FailureThreshold < 1 || r.RecoveryThreshold < 1 {
			return fmt.Errorf("router thresholds must be positive")
		}
		if r.HealthCheckIntervalSecs < 1 || r.RequestTimeoutSecs < 1 || r.HealthTimeoutMs < 1 {
			return fmt.Errorf("router intervals and timeouts must be positive")
		}
		if r.MaxConcurrentRequests < 1 {
			return fmt.Errorf("router.max_concurrent_requests must be positive")
		}
	default:
		return fmt.Errorf("invalid mode %q (want %s or %s)", c.Mode, ModeWorker, ModeRouter)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// SetAddr overrides BindAddress and Port from a "host:port" or ":port" string.
func (c *Config) SetAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port %q: %w", port, err)
	}
	if host == "" {
		host = DefaultBindAddress
	}
	c.BindAddress, c.Port = host, p
	return nil
}

// KVCacheBytes is the per-stage KV budget; 0 means unlimited.
func (c Config) KVCacheBytes() int64 {
	if c.Performance.KVCacheMB < 0 {
		return 0
	}
	return int64(c.Performance.KVCacheMB) << 20
}

func ms(n int) time.Duration   { return time.Duration(n) * time.Millisecond }
func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// BatchWindow returns the batching window.
func (w Worker) BatchWindow() time.Duration { return ms(w.BatchingWindowMs) }

// QueueTimeout returns the queue wait limit.
func (w Worker) QueueTimeout() time.Duration { return ms(w.QueueTimeoutMs) }

// HandoffBackoff returns the first retry delay of a handoff.
func (w Worker) HandoffBackoff() time.Duration { return ms(w.HandoffBackoffMs) }

// IdleTimeout returns how long an idle KV entry is protected.
func (w Worker) IdleTimeout() time.Duration { return secs(w.IdleTimeoutSecs) }

// HealthInterval returns the sweep period.
func (r Router) HealthInterval() time.Duration { return secs(r.HealthCheckIntervalSecs) }

// HealthTimeout returns the per-probe limit.
func (r Router) HealthTimeout() time.Duration { return ms(r.HealthTimeoutMs) }

// RequestTimeout returns the end-to-end request limit.
func (r Router) RequestTimeout() time.Duration { return secs(r.RequestTimeoutSecs) }
