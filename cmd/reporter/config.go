package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all reporter configuration.
type Config struct {
	Report  ReportConfig
	Storage StorageConfig
	Index   IndexConfig
	Metrics MetricsConfig
	Log     LogConfig
	Ingest  IngestConfig
	Target  TargetConfig
}

// ReportConfig holds the report location and stamp zone.
type ReportConfig struct {
	Dir      string
	Timezone string
}

// StorageConfig holds blob storage configuration.
type StorageConfig struct {
	Type            string        // "local" or "s3"
	S3Bucket        string        // For S3: bucket name
	S3Region        string        // For S3: AWS region
	S3Prefix        string        // For S3: key prefix, defaults to report.dir
	S3PresignExpiry time.Duration // Presigned URL expiration
}

// IndexConfig holds the optional SQL result index configuration.
type IndexConfig struct {
	Enabled bool
	Driver  string // "sqlite" or "mysql"
	DSN     string
}

// MetricsConfig holds the optional Prometheus textfile configuration.
type MetricsConfig struct {
	Enabled bool
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// IngestConfig holds event ingestion configuration.
type IngestConfig struct {
	Workers int
}

// TargetConfig describes the application under test. It is read from the same variables
// the browser suite uses.
type TargetConfig struct {
	BaseURL  string
	Headless bool
	SlowMoMS int
	Timeout  time.Duration
}

// LoadConfig loads configuration from the dotenv file, the config file and environment
// variables, in increasing priority. Variables already set in the environment win over
// the dotenv file.
func LoadConfig(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("reporter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The suite's own variable names.
	v.BindEnv("target.base_url", "BASE_URL")
	v.BindEnv("target.headless", "HEADLESS")
	v.BindEnv("target.slow_mo_ms", "SLOW_MO_MS")
	v.BindEnv("target.timeout_ms", "TIMEOUT_MS")

	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.timezone", "Asia/Kolkata")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_prefix", "")
	v.SetDefault("storage.s3_presign_expiry", "15m")

	v.SetDefault("index.enabled", false)
	v.SetDefault("index.driver", "sqlite")
	v.SetDefault("index.dsn", "")

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ingest.workers", 4)

	v.SetDefault("target.base_url", "http://localhost:3000")
	v.SetDefault("target.headless", true)
	v.SetDefault("target.slow_mo_ms", 0)
	v.SetDefault("target.timeout_ms", 15000)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config

	config.Report.Dir = v.GetString("report.dir")
	config.Report.Timezone = v.GetString("report.timezone")

	config.Storage.Type = v.GetString("storage.type")
	config.Storage.S3Bucket = v.GetString("storage.s3_bucket")
	config.Storage.S3Region = v.GetString("storage.s3_region")
	config.Storage.S3Prefix = v.GetString("storage.s3_prefix")
	config.Storage.S3PresignExpiry = v.GetDuration("storage.s3_presign_expiry")
	if config.Storage.S3Prefix == "" {
		config.Storage.S3Prefix = config.Report.Dir
	}

	config.Index.Enabled = v.GetBool("index.enabled")
	config.Index.Driver = v.GetString("index.driver")
	config.Index.DSN = v.GetString("index.dsn")
	if config.Index.DSN == "" && config.Index.Driver == "sqlite" {
		config.Index.DSN = filepath.Join(config.Report.Dir, "index.db")
	}

	config.Metrics.Enabled = v.GetBool("metrics.enabled")

	config.Log.Level = v.GetString("log.level")
	config.Log.Format = v.GetString("log.format")

	config.Ingest.Workers = v.GetInt("ingest.workers")

	config.Target.BaseURL = v.GetString("target.base_url")
	config.Target.Headless = v.GetBool("target.headless")
	config.Target.SlowMoMS = v.GetInt("target.slow_mo_ms")
	config.Target.Timeout = time.Duration(v.GetInt("target.timeout_ms")) * time.Millisecond

	return &config, nil
}

// SessionEnvironment returns the metadata attached to every record of a session.
func (c *Config) SessionEnvironment() map[string]string {
	return map[string]string{
		"base_url":   c.Target.BaseURL,
		"headless":   fmt.Sprintf("%t", c.Target.Headless),
		"slow_mo_ms": fmt.Sprintf("%d", c.Target.SlowMoMS),
		"timeout_ms": fmt.Sprintf("%d", c.Target.Timeout.Milliseconds()),
		"go":         runtime.Version(),
		"os":         runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect reporter configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(flagConfig, flagEnvFile)
			if err != nil {
				return err
			}

			if flagJSON {
				printJSON(cfg)
				return nil
			}

			location := cfg.Report.Dir
			if cfg.Storage.Type == "s3" {
				location = fmt.Sprintf("s3://%s/%s (%s)", cfg.Storage.S3Bucket, cfg.Storage.S3Prefix, cfg.Storage.S3Region)
			}
			index := "disabled"
			if cfg.Index.Enabled {
				index = fmt.Sprintf("%s %s", cfg.Index.Driver, maskDSN(cfg.Index.DSN))
			}

			printTable([]string{"KEY", "VALUE"}, [][]string{
				{"reports", location},
				{"timezone", cfg.Report.Timezone},
				{"index", index},
				{"metrics", fmt.Sprintf("%t", cfg.Metrics.Enabled)},
				{"log", cfg.Log.Level + "/" + cfg.Log.Format},
				{"ingest workers", fmt.Sprintf("%d", cfg.Ingest.Workers)},
				{"base url", cfg.Target.BaseURL},
				{"headless", fmt.Sprintf("%t", cfg.Target.Headless)},
			})
			return nil
		},
	}
}

// maskDSN hides the password of a user:password@... DSN.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	colon := strings.Index(dsn, ":")
	if at < 0 || colon < 0 || colon > at {
		return dsn
	}
	return dsn[:colon+1] + "****" + dsn[at:]
}
