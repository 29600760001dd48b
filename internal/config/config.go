package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

// ErrInvalid is wrapped by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Copy        CopyConfig    `yaml:"copy"`
	Source      TableConfig   `yaml:"source"`
	Destination TableConfig   `yaml:"destination"`
	Engine      EngineConfig  `yaml:"engine"`
	Logging     LoggingConfig `yaml:"logging"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Report      ReportConfig  `yaml:"report"`
}

// CopyConfig holds the operator-level options of a migration run.
type CopyConfig struct {
	CopyFrom         int64 `yaml:"copy_from"`      // 0 = resume after the destination's max id
	CopyTo           int64 `yaml:"copy_to"`        // 0 = ceiling
	PartitionSize    int64 `yaml:"partition_size"` // 0 = single partition
	SleepMillis      int64 `yaml:"sleep_ms"`       // 0 = no throttle
	UseExclusiveLock bool  `yaml:"exclusive_lock"`
	Ceiling          int64 `yaml:"ceiling"`
}

// EffectiveCopyTo returns CopyTo, defaulting to the ceiling when unset.
func (c CopyConfig) EffectiveCopyTo() int64 {
	if c.CopyTo != 0 {
		return c.CopyTo
	}
	return c.Ceiling
}

type TableConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type EngineConfig struct {
	Driver      string   `yaml:"driver"` // "postgres" | "sqlite"
	IDColumn    string   `yaml:"id_column"`
	Columns     []string `yaml:"columns"` // empty = all source columns
	NotifyAfter int64    `yaml:"notify_after"`
	MaxConns    int32    `yaml:"max_conns"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Address   string `yaml:"address"` // empty disables the metrics server
	Namespace string `yaml:"namespace"`
}

type ReportConfig struct {
	URL         string `yaml:"url"` // empty disables the run report
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"` // "none" | "zstd"
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Copy: CopyConfig{
			Ceiling: partition.DefaultCeiling,
		},
		Source: TableConfig{
			Table: "test_runs_old",
		},
		Destination: TableConfig{
			Table: "test_runs",
		},
		Engine: EngineConfig{
			Driver:      "postgres",
			IDColumn:    "id",
			NotifyAfter: 10000,
			MaxConns:    4,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Namespace: "bulk_copier",
		},
		Report: ReportConfig{
			Prefix:      "runs/",
			Compression: "none",
		},
	}
}

// MustLoad loads and validates configuration, exiting the process on error.
func MustLoad(args []string) Config {
	cfg, err := Load(args)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Load builds the configuration from defaults, an optional YAML file named by
// COPIER_CONFIG, environment variables and finally the positional KEY=VALUE
// arguments, each layer overriding the previous one.
func Load(args []string) (Config, error) {
	log.Println("[config] loading")

	cfg := Default()

	if path := os.Getenv("COPIER_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := ParseArgs(&cfg.Copy, args); err != nil {
		return Config{}, err
	}

	if cfg.Source.DSN == "" {
		cfg.Source.DSN = cfg.Destination.DSN
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	setInt := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" && err == nil {
			*dst, err = parseInt(key, v)
		}
	}

	setInt("COPY_FROM", &cfg.Copy.CopyFrom)
	setInt("COPY_TO", &cfg.Copy.CopyTo)
	setInt("PARTITION_SIZE", &cfg.Copy.PartitionSize)
	setInt("SLEEP_MS", &cfg.Copy.SleepMillis)
	setInt("ID_CEILING", &cfg.Copy.Ceiling)
	setInt("NOTIFY_AFTER", &cfg.Engine.NotifyAfter)
	if err != nil {
		return err
	}

	if v := os.Getenv("EXCLUSIVE_LOCK"); v != "" {
		cfg.Copy.UseExclusiveLock = v == "true"
	}
	if v := os.Getenv("MAX_CONNS"); v != "" {
		parsed, perr := strconv.ParseInt(v, 10, 32)
		if perr != nil {
			return fmt.Errorf("%w: MAX_CONNS=%q is not an integer", ErrInvalid, v)
		}
		cfg.Engine.MaxConns = int32(parsed)
	}
	if v := os.Getenv("COPY_COLUMNS"); v != "" {
		cfg.Engine.Columns = splitList(v)
	}

	cfg.Source.DSN = getenvDefault("SOURCE_DSN", cfg.Source.DSN)
	cfg.Source.Table = getenvDefault("SOURCE_TABLE", cfg.Source.Table)
	cfg.Destination.DSN = getenvDefault("DESTINATION_DSN", cfg.Destination.DSN)
	cfg.Destination.Table = getenvDefault("DESTINATION_TABLE", cfg.Destination.Table)
	cfg.Engine.Driver = getenvDefault("ENGINE_DRIVER", cfg.Engine.Driver)
	cfg.Engine.IDColumn = getenvDefault("ID_COLUMN", cfg.Engine.IDColumn)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDR", cfg.Metrics.Address)
	cfg.Metrics.Namespace = getenvDefault("METRICS_NAMESPACE", cfg.Metrics.Namespace)
	cfg.Report.URL = getenvDefault("REPORT_URL", cfg.Report.URL)
	cfg.Report.Prefix = getenvDefault("REPORT_PREFIX", cfg.Report.Prefix)
	cfg.Report.Compression = getenvDefault("REPORT_COMPRESSION", cfg.Report.Compression)
	return nil
}

// Validate checks the configuration before any store is touched.
func (c Config) Validate() error {
	if err := c.Copy.Validate(); err != nil {
		return err
	}
	switch c.Engine.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unknown engine driver %q", ErrInvalid, c.Engine.Driver)
	}
	if c.Destination.DSN == "" {
		return fmt.Errorf("%w: DESTINATION_DSN is required", ErrInvalid)
	}
	if c.Source.Table == "" || c.Destination.Table == "" {
		return fmt.Errorf("%w: source and destination tables are required", ErrInvalid)
	}
	if c.Engine.IDColumn == "" {
		return fmt.Errorf("%w: ID_COLUMN is required", ErrInvalid)
	}
	switch c.Report.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("%w: unknown report compression %q", ErrInvalid, c.Report.Compression)
	}
	return nil
}

// Validate checks the copy options on their own.
func (c CopyConfig) Validate() error {
	if c.Ceiling <= 0 {
		return fmt.Errorf("%w: ceiling must be positive, got %d", ErrInvalid, c.Ceiling)
	}
	if c.PartitionSize < 0 {
		return fmt.Errorf("%w: PARTITION must not be negative, got %d", ErrInvalid, c.PartitionSize)
	}
	if c.SleepMillis < 0 {
		return fmt.Errorf("%w: SLEEP must not be negative, got %d", ErrInvalid, c.SleepMillis)
	}
	copyTo := c.EffectiveCopyTo()
	if copyTo > c.Ceiling {
		return fmt.Errorf("%w: COPY_TO %d is above the ceiling %d", ErrInvalid, copyTo, c.Ceiling)
	}
	if c.CopyFrom != 0 && c.CopyFrom > copyTo {
		return fmt.Errorf("%w: COPY_FROM %d is greater than COPY_TO %d", ErrInvalid, c.CopyFrom, copyTo)
	}
	return nil
}

// ParseArgs applies positional KEY=VALUE tokens to cfg. Keys are
// case-insensitive; unknown keys and malformed tokens are ignored.
func ParseArgs(cfg *CopyConfig, args []string) error {
	for _, arg := range args {
		parts := strings.Split(arg, "=")
		if len(parts) != 2 {
			continue
		}
		key, value := strings.ToUpper(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1])

		var dst *int64
		switch key {
		case "COPY_FROM":
			dst = &cfg.CopyFrom
		case "COPY_TO":
			dst = &cfg.CopyTo
		case "PARTITION":
			dst = &cfg.PartitionSize
		case "SLEEP":
			dst = &cfg.SleepMillis
		case "CEILING":
			dst = &cfg.Ceiling
		case "TABLOCK":
			lock, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%w: TABLOCK=%q is not a boolean", ErrInvalid, value)
			}
			cfg.UseExclusiveLock = lock
			continue
		default:
			continue
		}

		parsed, err := parseInt(key, value)
		if err != nil {
			return err
		}
		*dst = parsed
	}
	return nil
}

func parseInt(key, v string) (int64, error) {
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	return parsed, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
