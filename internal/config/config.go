package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Connect strategies understood by the graph pair policies.
const (
	StrategyCombine = "combine"
	StrategyGMin    = "gmin"
	StrategyRandom  = "random"
)

// Config holds application configuration.
type Config struct {
	// EnergyTolerance is the energy window used to pre-filter dedup candidates.
	EnergyTolerance float64 `json:"energy_tolerance" yaml:"energy_tolerance"`

	// DistanceTolerance is the maximum coordinate distance for two structures to be equivalent.
	DistanceTolerance float64 `json:"distance_tolerance" yaml:"distance_tolerance"`

	// Dimension fixes the coordinate vector length. 0 means infer from the first structure.
	Dimension int `json:"dimension,omitempty" yaml:"dimension,omitempty"`

	// TranslationInvariant centres 3D structures on their centroid before comparing.
	TranslationInvariant bool `json:"translation_invariant,omitempty" yaml:"translation_invariant,omitempty"`

	// HeartbeatIntervalSec is the interval advertised to workers; a worker silent
	// for longer is marked stale.
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`

	// HeartbeatTimeoutSec is how long a worker may stay silent before it is reaped
	// and its job requeued.
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec" yaml:"heartbeat_timeout_sec"`

	// ReapIntervalSec is how often the liveness sweep runs.
	ReapIntervalSec int `json:"reap_interval_sec" yaml:"reap_interval_sec"`

	// JobRetentionSec is how long finished jobs are kept; later submissions get UNKNOWN_JOB.
	JobRetentionSec int `json:"job_retention_sec" yaml:"job_retention_sec"`

	// ConnectStrategy selects the pair policy: combine | gmin | random.
	ConnectStrategy string `json:"connect_strategy" yaml:"connect_strategy"`

	// ConnectWidth is how many lowest-energy members of each component are candidates.
	ConnectWidth int `json:"connect_width" yaml:"connect_width"`

	// ConnectSeed seeds the random strategy. 0 means time-based.
	ConnectSeed int64 `json:"connect_seed,omitempty" yaml:"connect_seed,omitempty"`

	// ConnectBackoffBaseSec and ConnectBackoffMaxSec bound the retry backoff of failed pairs.
	ConnectBackoffBaseSec int `json:"connect_backoff_base_sec" yaml:"connect_backoff_base_sec"`
	ConnectBackoffMaxSec  int `json:"connect_backoff_max_sec" yaml:"connect_backoff_max_sec"`

	// BasinHoppingFirst gives dual-capability workers basinhopping work before connect work.
	BasinHoppingFirst bool `json:"basinhopping_first,omitempty" yaml:"basinhopping_first,omitempty"`

	// Basin-hopping parameters handed to workers.
	BasinHoppingSteps       int     `json:"basinhopping_steps" yaml:"basinhopping_steps"`
	BasinHoppingTemperature float64 `json:"basinhopping_temperature" yaml:"basinhopping_temperature"`
	BasinHoppingStepSize    float64 `json:"basinhopping_stepsize" yaml:"basinhopping_stepsize"`

	// Listen is the address of the worker-facing HTTP server.
	Listen string `json:"listen" yaml:"listen"`

	// LogLevel (debug|info|warn|error) and LogFormat (json|console).
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	// DisablePersistence keeps the landscape in memory only.
	DisablePersistence bool `json:"disable_persistence,omitempty" yaml:"disable_persistence,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" yaml:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" yaml:"db_max_idle_conns,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside <base>/exports require either being in this list or AllowUnsafePaths=true.
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty" yaml:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool type names ("landscape", "jobs", "workers") to disable.
	DisabledTypes []string `json:"disabled_types,omitempty" yaml:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		EnergyTolerance:         1e-3,
		DistanceTolerance:       1e-2,
		HeartbeatIntervalSec:    10,
		HeartbeatTimeoutSec:     60,
		ReapIntervalSec:         5,
		JobRetentionSec:         3600,
		ConnectStrategy:         StrategyCombine,
		ConnectWidth:            2,
		ConnectBackoffBaseSec:   10,
		ConnectBackoffMaxSec:    600,
		BasinHoppingSteps:       1000,
		BasinHoppingTemperature: 1.0,
		BasinHoppingStepSize:    0.3,
		Listen:                  "127.0.0.1:7845",
		LogLevel:                "info",
		LogFormat:               "console",
	}
}

// HeartbeatInterval returns HeartbeatIntervalSec as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// HeartbeatTimeout returns HeartbeatTimeoutSec as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// ReapInterval returns ReapIntervalSec as a duration.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}

// JobRetention returns JobRetentionSec as a duration.
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionSec) * time.Second
}

// ConnectBackoffBase returns ConnectBackoffBaseSec as a duration.
func (c *Config) ConnectBackoffBase() time.Duration {
	return time.Duration(c.ConnectBackoffBaseSec) * time.Second
}

// ConnectBackoffMax returns ConnectBackoffMaxSec as a duration.
func (c *Config) ConnectBackoffMax() time.Duration {
	return time.Duration(c.ConnectBackoffMaxSec) * time.Second
}

// Load loads configuration from baseDir/config.json, or baseDir/config.yaml when
// no JSON file exists. Returns default config if neither file exists.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.landscape.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(findConfigFile(baseDir))
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// LoadWithRepo loads configuration from both global (~/.landscape) and project
// (.landscape) directories. The project config is found by walking upward from
// startDir. Project config takes precedence for scalar values; arrays are merged.
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(findConfigFile(globalDir))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .landscape/config.json
// (or config.yaml). Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		if path := findConfigFile(filepath.Join(dir, ".landscape")); path != "" {
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// findConfigFile returns the config file to read in dir. JSON wins over YAML.
func findConfigFile(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.json")
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
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.EnergyTolerance = pickFloat(overlay.EnergyTolerance, base.EnergyTolerance)
	result.DistanceTolerance = pickFloat(overlay.DistanceTolerance, base.DistanceTolerance)
	result.Dimension = pickInt(overlay.Dimension, base.Dimension)
	result.HeartbeatIntervalSec = pickInt(overlay.HeartbeatIntervalSec, base.HeartbeatIntervalSec)
	result.HeartbeatTimeoutSec = pickInt(overlay.HeartbeatTimeoutSec, base.HeartbeatTimeoutSec)
	result.ReapIntervalSec = pickInt(overlay.ReapIntervalSec, base.ReapIntervalSec)
	result.JobRetentionSec = pickInt(overlay.JobRetentionSec, base.JobRetentionSec)
	result.ConnectStrategy = pickString(overlay.ConnectStrategy, base.ConnectStrategy)
	result.ConnectWidth = pickInt(overlay.ConnectWidth, base.ConnectWidth)
	result.ConnectSeed = overlay.ConnectSeed
	if result.ConnectSeed == 0 {
		result.ConnectSeed = base.ConnectSeed
	}
	result.ConnectBackoffBaseSec = pickInt(overlay.ConnectBackoffBaseSec, base.ConnectBackoffBaseSec)
	result.ConnectBackoffMaxSec = pickInt(overlay.ConnectBackoffMaxSec, base.ConnectBackoffMaxSec)
	result.BasinHoppingSteps = pickInt(overlay.BasinHoppingSteps, base.BasinHoppingSteps)
	result.BasinHoppingTemperature = pickFloat(overlay.BasinHoppingTemperature, base.BasinHoppingTemperature)
	result.BasinHoppingStepSize = pickFloat(overlay.BasinHoppingStepSize, base.BasinHoppingStepSize)
	result.Listen = pickString(overlay.Listen, base.Listen)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)
	result.LogFormat = pickString(overlay.LogFormat, base.LogFormat)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	// Booleans: overlay wins if true, else base
	result.TranslationInvariant = base.TranslationInvariant || overlay.TranslationInvariant
	result.BasinHoppingFirst = base.BasinHoppingFirst || overlay.BasinHoppingFirst
	result.DisablePersistence = base.DisablePersistence || overlay.DisablePersistence
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloat(overlay, base float64) float64 {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
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
