// Package config loads the typed configuration tree covering every key
// enumerated in spec §6 (scheduler.*, kvcache.*, circuitBreaker.*,
// quota.<tenant>.*, provider.<id>.*) from a YAML file with environment
// variable overrides.
//
// Grounded on the teacher's `pkg/infer-gateway/controller/utils.go`
// (`loadSchedulerConfig`): `os.ReadFile` + `yaml.Unmarshal` into a typed
// struct, fatal on a malformed file rather than silently falling back to
// defaults, matching DESIGN NOTES' "ServiceLoader-style discovery ->
// explicit registry; loading errors are fatal at startup, not silently
// swallowed". Per-tenant/per-provider maps generalize the teacher's
// single-document scheduler config to this package's multi-tenant,
// multi-provider shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig covers the `scheduler.*` keys.
type SchedulerConfig struct {
	Strategy             string        `yaml:"strategy"`
	MaxBatchSize         int           `yaml:"maxBatchSize"`
	MaxWaitTime          time.Duration `yaml:"maxWaitTime"`
	MaxConcurrentBatches int           `yaml:"maxConcurrentBatches"`
	SmallPromptThreshold int           `yaml:"smallPromptThreshold"`
	Disaggregation       bool          `yaml:"disaggregation"`
}

// KVCacheConfig covers the `kvcache.*` keys.
type KVCacheConfig struct {
	BlockSize    int `yaml:"blockSize"`
	TotalBlocks  int `yaml:"totalBlocks"`
	HiddenDim    int `yaml:"hiddenDim"`
	HeadCount    int `yaml:"headCount"`
	ElementBytes int `yaml:"elementBytes"`
}

// CircuitBreakerConfig covers the `circuitBreaker.*` keys.
type CircuitBreakerConfig struct {
	RequestVolumeThreshold int           `yaml:"requestVolumeThreshold"`
	FailureRatio           float64       `yaml:"failureRatio"`
	Delay                  time.Duration `yaml:"delay"`
	SuccessThreshold       int           `yaml:"successThreshold"`
	BulkheadSize           int64         `yaml:"bulkheadSize"`
	BulkheadQueueSize      int64         `yaml:"bulkheadQueueSize"`
	CallTimeout            time.Duration `yaml:"callTimeout"`
	MaxRetries             int           `yaml:"maxRetries"`
}

// TenantQuotaConfig covers one tenant's `quota.<tenant>.*` keys.
type TenantQuotaConfig struct {
	RPS              float64 `yaml:"rps"`
	Burst            int     `yaml:"burst"`
	Concurrent       int64   `yaml:"concurrent"`
	DailyTokenBudget int64   `yaml:"dailyTokenBudget"`
}

// ProviderConfig covers one provider's `provider.<id>.*` keys.
type ProviderConfig struct {
	Endpoint              string        `yaml:"endpoint"`
	APIKey                string        `yaml:"apiKey"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxConcurrentRequests int64         `yaml:"maxConcurrentRequests"`
	MaxRetries            int           `yaml:"maxRetries"`
	Prewarm               bool          `yaml:"prewarm"`
	DeviceHint            string        `yaml:"deviceHint"`
	CostPerToken          float64       `yaml:"costPerToken"`
}

// Config is the full typed tree loaded from YAML plus environment
// overrides.
type Config struct {
	Scheduler      SchedulerConfig              `yaml:"scheduler"`
	KVCache        KVCacheConfig                `yaml:"kvcache"`
	CircuitBreaker CircuitBreakerConfig         `yaml:"circuitBreaker"`
	Quota          map[string]TenantQuotaConfig `yaml:"quota"`
	Providers      map[string]ProviderConfig    `yaml:"provider"`
	AsyncWorkers   int                          `yaml:"asyncWorkers"`
	SLOTarget      float64                      `yaml:"sloTarget"`
	ListenAddr     string                       `yaml:"listenAddr"`
}

// Default returns the built-in defaults (spec §4.4/§4.5's stated
// defaults plus reasonable values for keys the spec leaves to the
// operator).
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Strategy:             "DYNAMIC",
			MaxBatchSize:         8,
			MaxWaitTime:          50 * time.Millisecond,
			MaxConcurrentBatches: 4,
			SmallPromptThreshold: 32,
			Disaggregation:       false,
		},
		KVCache: KVCacheConfig{
			BlockSize:    16,
			TotalBlocks:  4096,
			HiddenDim:    128,
			HeadCount:    32,
			ElementBytes: 2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			RequestVolumeThreshold: 20,
			FailureRatio:           0.5,
			Delay:                  30 * time.Second,
			SuccessThreshold:       3,
			BulkheadSize:           32,
			BulkheadQueueSize:      64,
			CallTimeout:            30 * time.Second,
			MaxRetries:             2,
		},
		Quota:        map[string]TenantQuotaConfig{},
		Providers:    map[string]ProviderConfig{},
		AsyncWorkers: 4,
		SLOTarget:    0.999,
		ListenAddr:   ":8080",
	}
}

// Load reads path, unmarshals it over Default(), then applies any
// INFERCORE_-prefixed environment overrides. A missing file is not an
// error (the defaults apply); a malformed file is fatal, matching the
// teacher's loadSchedulerConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// envPrefix namespaces every override this package recognizes, avoiding
// collisions with unrelated environment variables.
const envPrefix = "INFERCORE_"

// applyEnvOverrides supports a small, explicit set of top-level
// overrides (the ones operators most commonly need to flip per
// deployment without shipping a new config file); anything more specific
// than this belongs in the YAML file itself.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("SCHEDULER_STRATEGY"); ok {
		cfg.Scheduler.Strategy = v
	}
	if v, ok := lookupEnvInt("SCHEDULER_MAX_BATCH_SIZE"); ok {
		cfg.Scheduler.MaxBatchSize = v
	}
	if v, ok := lookupEnvBool("SCHEDULER_DISAGGREGATION"); ok {
		cfg.Scheduler.Disaggregation = v
	}
	if v, ok := lookupEnvInt("KVCACHE_TOTAL_BLOCKS"); ok {
		cfg.KVCache.TotalBlocks = v
	}
	if v, ok := lookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := lookupEnvFloat("SLO_TARGET"); ok {
		cfg.SLOTarget = v
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvFloat(name string) (float64, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func lookupEnvBool(name string) (bool, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
