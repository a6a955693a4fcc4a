package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. LOGCHURN_DURATION.
const EnvPrefix = "LOGCHURN"

// Keys shared by flags, environment variables and config files.
const (
	KeyDir            = "dir"
	KeyFiles          = "files"
	KeyDuration       = "duration"
	KeyOpDelay        = "op-delay"
	KeyDrain          = "drain"
	KeyWeightWrite    = "weight-write"
	KeyWeightCreate   = "weight-create"
	KeyWeightDelete   = "weight-delete"
	KeyWeightRotate   = "weight-rotate"
	KeySeed           = "seed"
	KeyWorkers        = "workers"
	KeyJournalDir     = "journal-dir"
	KeyArchiveRotated = "archive-rotated"
	KeyHashAlgo       = "hash-algo"
	KeyObserve        = "observe"
	KeyMetricsAddr    = "metrics-addr"
	KeyExtractPath    = "extract-path"
	KeyLogLevel       = "log-level"
	KeyLogFormat      = "log-format"
)

// Config is the full runtime configuration.
type Config struct {
	Churn   ChurnConfig
	Extract ExtractConfig
	Log     LogConfig
}

// ChurnConfig controls the churn generator.
type ChurnConfig struct {
	// Dir is the working directory holding log_<N>.txt files
	Dir string

	// InitialFiles is the number of files seeded before churn starts
	InitialFiles int

	// Duration is the wall-clock budget of the churn loop
	Duration time.Duration

	// OpDelay throttles the loop between operations
	OpDelay time.Duration

	// DrainPause is the quiescence window between churn and finalization
	DrainPause time.Duration

	Weights WeightsConfig

	// Seed fixes the random source; zero seeds from the clock
	Seed uint64

	// Workers > 1 runs the churn loop in parallel
	Workers int

	// JournalDir enables the pebble operation journal when set
	JournalDir string

	// ArchiveRotated keeps content discarded by rotation in the journal's CAS
	ArchiveRotated bool

	// HashAlgo selects the CAS hash ("sha256" or "blake3")
	HashAlgo string

	// Observe attaches an fsnotify observer to Dir during churn
	Observe bool

	// MetricsAddr serves /metrics while the generator runs
	MetricsAddr string
}

// WeightsConfig holds relative operation weights.
type WeightsConfig struct {
	Write  float64
	Create float64
	Delete float64
	Rotate float64
}

// ExtractConfig controls the marker extractor.
type ExtractConfig struct {
	Path string
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level  string
	Format string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	rest := 40.0 / 3
	return &Config{
		Churn: ChurnConfig{
			Dir:          "test_logs",
			InitialFiles: 100,
			Duration:     180 * time.Second,
			OpDelay:      time.Millisecond,
			DrainPause:   5 * time.Second,
			Weights: WeightsConfig{
				Write:  60,
				Create: rest,
				Delete: rest,
				Rotate: rest,
			},
			Workers:  1,
			HashAlgo: "sha256",
		},
		Extract: ExtractConfig{
			Path: "test_logs/log_0.txt",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// NewViper returns a viper instance seeded with defaults and bound to
// LOGCHURN_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers DefaultConfig values under their keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyDir, d.Churn.Dir)
	v.SetDefault(KeyFiles, d.Churn.InitialFiles)
	v.SetDefault(KeyDuration, d.Churn.Duration)
	v.SetDefault(KeyOpDelay, d.Churn.OpDelay)
	v.SetDefault(KeyDrain, d.Churn.DrainPause)
	v.SetDefault(KeyWeightWrite, d.Churn.Weights.Write)
	v.SetDefault(KeyWeightCreate, d.Churn.Weights.Create)
	v.SetDefault(KeyWeightDelete, d.Churn.Weights.Delete)
	v.SetDefault(KeyWeightRotate, d.Churn.Weights.Rotate)
	v.SetDefault(KeySeed, d.Churn.Seed)
	v.SetDefault(KeyWorkers, d.Churn.Workers)
	v.SetDefault(KeyJournalDir, d.Churn.JournalDir)
	v.SetDefault(KeyArchiveRotated, d.Churn.ArchiveRotated)
	v.SetDefault(KeyHashAlgo, d.Churn.HashAlgo)
	v.SetDefault(KeyObserve, d.Churn.Observe)
	v.SetDefault(KeyMetricsAddr, d.Churn.MetricsAddr)
	v.SetDefault(KeyExtractPath, d.Extract.Path)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
}

// Load materializes a Config from v, which may carry flag bindings, env
// overrides and a config file on top of the defaults.
func Load(v *viper.Viper) *Config {
	return &Config{
		Churn: ChurnConfig{
			Dir:          v.GetString(KeyDir),
			InitialFiles: v.GetInt(KeyFiles),
			Duration:     v.GetDuration(KeyDuration),
			OpDelay:      v.GetDuration(KeyOpDelay),
			DrainPause:   v.GetDuration(KeyDrain),
			Weights: WeightsConfig{
				Write:  v.GetFloat64(KeyWeightWrite),
				Create: v.GetFloat64(KeyWeightCreate),
				Delete: v.GetFloat64(KeyWeightDelete),
				Rotate: v.GetFloat64(KeyWeightRotate),
			},
			Seed:           v.GetUint64(KeySeed),
			Workers:        v.GetInt(KeyWorkers),
			JournalDir:     v.GetString(KeyJournalDir),
			ArchiveRotated: v.GetBool(KeyArchiveRotated),
			HashAlgo:       v.GetString(KeyHashAlgo),
			Observe:        v.GetBool(KeyObserve),
			MetricsAddr:    v.GetString(KeyMetricsAddr),
		},
		Extract: ExtractConfig{
			Path: v.GetString(KeyExtractPath),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}
}

// LoadFromEnv loads configuration from defaults and environment variables
func LoadFromEnv() *Config {
	return Load(NewViper())
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Churn.Validate(); err != nil {
		return fmt.Errorf("churn config invalid: %w", err)
	}
	return c.Log.Validate()
}

// Validate checks the logging settings. Every command needs them, so this is
// the only check that runs before a subcommand starts.
func (c LogConfig) Validate() error {
	if c.Format != "console" && c.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Format)
	}
	return nil
}

// Validate checks the churn settings.
func (c ChurnConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("working directory must be set")
	}
	if c.InitialFiles < 0 {
		return fmt.Errorf("initial file count must be >= 0, got: %d", c.InitialFiles)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must be >= 0, got: %s", c.Duration)
	}
	if c.OpDelay < 0 {
		return fmt.Errorf("op delay must be >= 0, got: %s", c.OpDelay)
	}
	if c.DrainPause < 0 {
		return fmt.Errorf("drain pause must be >= 0, got: %s", c.DrainPause)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got: %d", c.Workers)
	}
	w := c.Weights
	if w.Write < 0 || w.Create < 0 || w.Delete < 0 || w.Rotate < 0 {
		return fmt.Errorf("operation weights must be >= 0")
	}
	if w.Write+w.Create+w.Delete+w.Rotate <= 0 {
		return fmt.Errorf("operation weights must sum to a positive value")
	}
	if c.HashAlgo != "sha256" && c.HashAlgo != "blake3" {
		return fmt.Errorf("invalid hash algorithm: %s (must be 'sha256' or 'blake3')", c.HashAlgo)
	}
	if c.ArchiveRotated && c.JournalDir == "" {
		return fmt.Errorf("archive-rotated requires journal-dir")
	}
	return nil
}
