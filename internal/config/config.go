// Package config resolves gateway configuration from an optional YAML file
// overlaid by the recognized environment variables. Unknown YAML keys are
// rejected in strict mode and logged once otherwise.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective gateway configuration.
type Config struct {
	Port int    `yaml:"port"`
	Root string `yaml:"root"`

	// ContextPackV1Required selects strict attestation / fail-closed gates.
	ContextPackV1Required bool `yaml:"context_pack_v1_required"`

	DefaultExecutor string `yaml:"default_executor"`
	MaxRetries      int    `yaml:"max_retries"`

	ClaimWaitMaxMS   int `yaml:"claim_wait_max_ms"`
	SeenWindowMS     int `yaml:"seen_window_ms"`
	CancelWindowMS   int `yaml:"cancel_window_ms"`
	StaleWindowMS    int `yaml:"stale_window_ms"`
	ReaperIntervalMS int `yaml:"reaper_interval_ms"`
	StallSeconds     int `yaml:"stall_seconds"`

	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`

	// Per-executor knobs, keyed by symbolic executor name.
	ExecConcurrency map[string]int   `yaml:"exec_concurrency"`
	ExecTimeoutMS   map[string]int64 `yaml:"exec_timeout_ms"`

	// Model pools used when a task pins a pool rather than a concrete model.
	ModelPools map[string][]string `yaml:"model_pools"`

	// Autoscaler hints; advisory only, never part of the state machine.
	MaxSpawnPerTick map[string]int `yaml:"max_spawn_per_tick"`
	MaxPrunePerTick map[string]int `yaml:"max_prune_per_tick"`
}

// Load reads the optional YAML file at path (empty path skips the file),
// applies defaults, overlays the environment, and validates.
func Load(path string, logger *log.Logger) (*Config, error) {
	cfg := &Config{}
	var unknownKeys error
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		unknownKeys, err = decodeYAML(b, cfg)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}
	// Strictness may arrive via CONTEXT_PACK_V1_REQUIRED rather than the
	// file, so the unknown-key decision waits until the overlay is applied.
	if unknownKeys != nil {
		if cfg.ContextPackV1Required {
			return nil, fmt.Errorf("config %s: %w", path, unknownKeys)
		}
		logger.Printf("config: unknown keys ignored: %v", unknownKeys)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes the file into cfg. Unknown keys are reported through
// unknownKeys, not err, because rejecting them depends on the effective
// strict mode, which Load only knows after the env overlay.
func decodeYAML(b []byte, cfg *Config) (unknownKeys, err error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err = dec.Decode(cfg)
	if err == nil || err == io.EOF {
		return nil, nil
	}
	if !strings.Contains(err.Error(), "not found in type") {
		return nil, err
	}

	unknownKeys = err
	*cfg = Config{}
	loose := yaml.NewDecoder(bytes.NewReader(b))
	if err := loose.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return unknownKeys, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 18788
	}
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = "."
	}
	if cfg.DefaultExecutor == "" {
		cfg.DefaultExecutor = "noop"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimWaitMaxMS == 0 {
		cfg.ClaimWaitMaxMS = 25000
	}
	if cfg.SeenWindowMS == 0 {
		cfg.SeenWindowMS = 120000
	}
	if cfg.CancelWindowMS == 0 {
		cfg.CancelWindowMS = 60000
	}
	if cfg.StaleWindowMS == 0 {
		cfg.StaleWindowMS = 180000
	}
	if cfg.ReaperIntervalMS == 0 {
		cfg.ReaperIntervalMS = 5000
	}
	if cfg.StallSeconds == 0 {
		cfg.StallSeconds = 180
	}
	if cfg.DefaultTimeoutMS == 0 {
		cfg.DefaultTimeoutMS = 600000 // 10 minutes
	}
	if cfg.ExecConcurrency == nil {
		cfg.ExecConcurrency = map[string]int{}
	}
	if cfg.ExecTimeoutMS == nil {
		cfg.ExecTimeoutMS = map[string]int64{}
	}
	if cfg.ModelPools == nil {
		cfg.ModelPools = map[string][]string{}
	}
	if cfg.MaxSpawnPerTick == nil {
		cfg.MaxSpawnPerTick = map[string]int{}
	}
	if cfg.MaxPrunePerTick == nil {
		cfg.MaxPrunePerTick = map[string]int{}
	}
}

// applyEnv overlays the recognized environment options. environ has the
// os.Environ() "KEY=value" shape so tests can inject their own.
func applyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case key == "GATEWAY_PORT":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("GATEWAY_PORT: %w", err)
			}
			cfg.Port = n
		case key == "CONTEXT_PACK_V1_REQUIRED":
			cfg.ContextPackV1Required = parseBool(val)
		case key == "SEEN_WINDOW_MS":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("SEEN_WINDOW_MS: %w", err)
			}
			cfg.SeenWindowMS = n
		case key == "STALL_SECONDS":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("STALL_SECONDS: %w", err)
			}
			cfg.StallSeconds = n
		case key == "MODEL_POOL_FREE":
			cfg.ModelPools["free"] = splitList(val)
		case key == "MODEL_POOL_VISION":
			cfg.ModelPools["vision"] = splitList(val)
		case strings.HasPrefix(key, "EXEC_CONCURRENCY_"):
			exec := executorFromKey(key, "EXEC_CONCURRENCY_", "")
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.ExecConcurrency[exec] = n
		case strings.HasPrefix(key, "EXEC_TIMEOUT_") && strings.HasSuffix(key, "_MS"):
			exec := executorFromKey(key, "EXEC_TIMEOUT_", "_MS")
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.ExecTimeoutMS[exec] = n
		case strings.HasPrefix(key, "MAX_SPAWN_") && strings.HasSuffix(key, "_PER_TICK"):
			exec := executorFromKey(key, "MAX_SPAWN_", "_PER_TICK")
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.MaxSpawnPerTick[exec] = n
		case strings.HasPrefix(key, "MAX_PRUNE_") && strings.HasSuffix(key, "_PER_TICK"):
			exec := executorFromKey(key, "MAX_PRUNE_", "_PER_TICK")
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.MaxPrunePerTick[exec] = n
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", cfg.Port)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if cfg.ClaimWaitMaxMS <= 0 {
		return fmt.Errorf("claim_wait_max_ms must be > 0")
	}
	for _, field := range []struct {
		name string
		v    int
	}{
		{"seen_window_ms", cfg.SeenWindowMS},
		{"cancel_window_ms", cfg.CancelWindowMS},
		{"stale_window_ms", cfg.StaleWindowMS},
		{"reaper_interval_ms", cfg.ReaperIntervalMS},
		{"stall_seconds", cfg.StallSeconds},
	} {
		if field.v <= 0 {
			return fmt.Errorf("%s must be > 0", field.name)
		}
	}
	for exec, n := range cfg.ExecConcurrency {
		if n < 0 {
			return fmt.Errorf("exec_concurrency.%s must be >= 0", exec)
		}
	}
	for exec, n := range cfg.ExecTimeoutMS {
		if n <= 0 {
			return fmt.Errorf("exec_timeout_ms.%s must be > 0", exec)
		}
	}
	return nil
}

// TimeoutFor returns the effective job timeout for an executor.
func (c *Config) TimeoutFor(executor string) int64 {
	if t, ok := c.ExecTimeoutMS[executor]; ok {
		return t
	}
	return c.DefaultTimeoutMS
}

// ConcurrencyFor returns the running-job cap for an executor; 0 means
// unlimited.
func (c *Config) ConcurrencyFor(executor string) int {
	return c.ExecConcurrency[executor]
}

// ResolveModel expands a pool reference ("pool:free") to the first model in
// the pool; concrete model names pass through.
func (c *Config) ResolveModel(model string) (string, error) {
	pool, ok := strings.CutPrefix(model, "pool:")
	if !ok {
		return model, nil
	}
	models := c.ModelPools[pool]
	if len(models) == 0 {
		return "", fmt.Errorf("model pool %q is empty", pool)
	}
	return models[0], nil
}

func (c *Config) SeenWindow() time.Duration { return time.Duration(c.SeenWindowMS) * time.Millisecond }
func (c *Config) CancelWindow() time.Duration {
	return time.Duration(c.CancelWindowMS) * time.Millisecond
}
func (c *Config) StaleWindow() time.Duration {
	return time.Duration(c.StaleWindowMS) * time.Millisecond
}
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMS) * time.Millisecond
}
func (c *Config) ClaimWaitMax() time.Duration {
	return time.Duration(c.ClaimWaitMaxMS) * time.Millisecond
}

// executorFromKey extracts and lowercases the executor segment of an env key
// like EXEC_TIMEOUT_RUST_MS.
func executorFromKey(key, prefix, suffix string) string {
	s := strings.TrimPrefix(key, prefix)
	s = strings.TrimSuffix(s, suffix)
	return strings.ToLower(s)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
