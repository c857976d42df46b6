package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Roles a process can run as.
const (
	RoleWriter = "writer"
	RoleReader = "reader"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Config holds application configuration.
type Config struct {
	// Role is "writer" (publishes cells) or "reader" (pulls cells through the proxy).
	Role string `json:"role,omitempty"`

	// StoreBackend selects the KeyValueStore implementation.
	// "redis" is the shared store; "sqlite" and "pebble" are embedded writer-local stores.
	StoreBackend string `json:"store_backend,omitempty"`

	RedisHost     string `json:"redis_host,omitempty"`
	RedisPort     int    `json:"redis_port,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`

	// PoolSize bounds the number of store connections. Default 10.
	PoolSize int `json:"pool_size,omitempty"`

	// ScanBatch is the number of keys requested per cursor round. Default 100.
	ScanBatch int `json:"scan_batch,omitempty"`

	// StorePath is the directory or file used by embedded backends.
	// Empty means <base>/store.
	StorePath string `json:"store_path,omitempty"`

	// StoreTTLSeconds is an optional expiry applied to cell records. 0 disables expiry.
	StoreTTLSeconds int `json:"store_ttl_seconds,omitempty"`

	Bind string `json:"bind,omitempty"`
	Port int    `json:"port,omitempty"`

	// AccessTokens are static credentials accepted by the HTTP surfaces.
	AccessTokens []string `json:"access_tokens,omitempty"`

	// TokenSecret signs and verifies role tokens issued with `codestream token issue`.
	TokenSecret string `json:"token_secret,omitempty"`

	// DebounceMS is the quiet period before an edited cell is written. Default 2000.
	DebounceMS int `json:"debounce_ms,omitempty"`

	// ThrottleMS is the window for manual sync requests. Default 1000.
	ThrottleMS int `json:"throttle_ms,omitempty"`

	// BlockPrivateNetworks rejects writer URLs that resolve to loopback, link-local
	// or RFC 1918 addresses unless they fall inside AllowedCIDRs.
	BlockPrivateNetworks bool `json:"block_private_networks,omitempty"`

	// AllowedCIDRs are exempt from BlockPrivateNetworks.
	AllowedCIDRs []string `json:"allowed_cidrs,omitempty"`

	ConnectTimeoutMS int `json:"connect_timeout_ms,omitempty"`
	RequestTimeoutMS int `json:"request_timeout_ms,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"` // "json" or "console"; empty picks by terminal
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Role:             RoleWriter,
		StoreBackend:     BackendRedis,
		RedisHost:        "localhost",
		RedisPort:        6379,
		PoolSize:         10,
		ScanBatch:        100,
		Bind:             "127.0.0.1",
		Port:             8765,
		DebounceMS:       2000,
		ThrottleMS:       1000,
		ConnectTimeoutMS: 5000,
		RequestTimeoutMS: 15000,
		LogLevel:         "info",
	}
}

// Load loads configuration from baseDir/config.json and applies environment overrides.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.codestream.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithRepo loads configuration from both global (~/.codestream) and repo (.codestream) directories.
// Repo config is found by walking upward from startDir to find the nearest .codestream/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Environment variables are applied last.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	cfg := Merge(Merge(DefaultConfig(), global), repo)
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindRepoConfig walks upward from startDir to find the nearest .codestream/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".codestream", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.Role = pickString(overlay.Role, base.Role)
	result.StoreBackend = pickString(overlay.StoreBackend, base.StoreBackend)
	result.RedisHost = pickString(overlay.RedisHost, base.RedisHost)
	result.RedisPassword = pickString(overlay.RedisPassword, base.RedisPassword)
	result.StorePath = pickString(overlay.StorePath, base.StorePath)
	result.Bind = pickString(overlay.Bind, base.Bind)
	result.TokenSecret = pickString(overlay.TokenSecret, base.TokenSecret)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)
	result.LogFormat = pickString(overlay.LogFormat, base.LogFormat)

	result.RedisPort = pickInt(overlay.RedisPort, base.RedisPort)
	result.RedisDB = pickInt(overlay.RedisDB, base.RedisDB)
	result.PoolSize = pickInt(overlay.PoolSize, base.PoolSize)
	result.ScanBatch = pickInt(overlay.ScanBatch, base.ScanBatch)
	result.StoreTTLSeconds = pickInt(overlay.StoreTTLSeconds, base.StoreTTLSeconds)
	result.Port = pickInt(overlay.Port, base.Port)
	result.DebounceMS = pickInt(overlay.DebounceMS, base.DebounceMS)
	result.ThrottleMS = pickInt(overlay.ThrottleMS, base.ThrottleMS)
	result.ConnectTimeoutMS = pickInt(overlay.ConnectTimeoutMS, base.ConnectTimeoutMS)
	result.RequestTimeoutMS = pickInt(overlay.RequestTimeoutMS, base.RequestTimeoutMS)

	// Booleans: overlay wins if true, else base
	result.BlockPrivateNetworks = base.BlockPrivateNetworks || overlay.BlockPrivateNetworks

	// Arrays: merge and deduplicate
	result.AccessTokens = mergeStringSlice(base.AccessTokens, overlay.AccessTokens)
	result.AllowedCIDRs = mergeStringSlice(base.AllowedCIDRs, overlay.AllowedCIDRs)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// ApplyEnv overrides cfg from CODESTREAM_* environment variables.
// lookup is os.LookupEnv in production; tests pass a map-backed function.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CODESTREAM_ROLE":           &cfg.Role,
		"CODESTREAM_STORE_BACKEND":  &cfg.StoreBackend,
		"CODESTREAM_REDIS_HOST":     &cfg.RedisHost,
		"CODESTREAM_REDIS_PASSWORD": &cfg.RedisPassword,
		"CODESTREAM_STORE_PATH":     &cfg.StorePath,
		"CODESTREAM_BIND":           &cfg.Bind,
		"CODESTREAM_TOKEN_SECRET":   &cfg.TokenSecret,
		"CODESTREAM_LOG_LEVEL":      &cfg.LogLevel,
		"CODESTREAM_LOG_FORMAT":     &cfg.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"CODESTREAM_REDIS_PORT":  &cfg.RedisPort,
		"CODESTREAM_REDIS_DB":    &cfg.RedisDB,
		"CODESTREAM_POOL_SIZE":   &cfg.PoolSize,
		"CODESTREAM_SCAN_BATCH":  &cfg.ScanBatch,
		"CODESTREAM_PORT":        &cfg.Port,
		"CODESTREAM_DEBOUNCE_MS": &cfg.DebounceMS,
		"CODESTREAM_THROTTLE_MS": &cfg.ThrottleMS,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", name, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleWriter, RoleReader:
	default:
		return fmt.Errorf("role must be %q or %q, got %q", RoleWriter, RoleReader, c.Role)
	}
	switch c.StoreBackend {
	case BackendRedis, BackendSQLite, BackendPebble, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	if c.ScanBatch <= 0 {
		return fmt.Errorf("scan_batch must be positive")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis_db must not be negative")
	}
	return nil
}

// RedisAddr returns host:port for the redis backend.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// DebounceDelay returns the debounce quiet period.
func (c *Config) DebounceDelay() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// ThrottleWindow returns the manual-sync throttle window.
func (c *Config) ThrottleWindow() time.Duration {
	return time.Duration(c.ThrottleMS) * time.Millisecond
}

// ConnectTimeout returns the proxy dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the overall proxy request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// StoreTTL returns the optional record expiry.
func (c *Config) StoreTTL() time.Duration {
	return time.Duration(c.StoreTTLSeconds) * time.Second
}

func pickString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
