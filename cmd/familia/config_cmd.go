package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	familia "github.com/delano/familia-sub006"
)

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage familia configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand(c))
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.familia/" + familia.DefaultConfigFileName
	if dir, err := familia.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, familia.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default familia configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := yaml.Marshal(defaultFileConfig())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := familia.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, familia.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (flags, env and config file merged)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg familia.Config
			if err := c.bindConfig(&cfg); err != nil {
				return err
			}
			data, err := yaml.Marshal(fileConfigFrom(cfg, c.v.GetString("log-level")))
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// fileConfig mirrors the config file layout; keys match the flag names.
type fileConfig struct {
	Store                  string  `yaml:"store"`
	PebbleSync             bool    `yaml:"pebble-sync"`
	Schema                 string  `yaml:"schema"`
	BatchSize              int     `yaml:"batch-size"`
	TempKeyTTL             string  `yaml:"temp-key-ttl"`
	LockTTL                string  `yaml:"lock-ttl"`
	FenceWriters           bool    `yaml:"fence-writers"`
	FenceTTL               string  `yaml:"fence-ttl"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultFileConfig() fileConfig {
	var cfg familia.Config
	_ = cfg.Validate()
	out := fileConfigFrom(cfg, "info")
	if dir, err := familia.DefaultConfigDir(); err == nil {
		out.Schema = filepath.Join(dir, familia.DefaultSchemaFileName)
	}
	return out
}

func fileConfigFrom(cfg familia.Config, logLevel string) fileConfig {
	return fileConfig{
		Store:                  cfg.Store,
		PebbleSync:             cfg.PebbleSync,
		Schema:                 cfg.Schema,
		BatchSize:              cfg.BatchSize,
		TempKeyTTL:             cfg.TempKeyTTL.String(),
		LockTTL:                cfg.LockTTL.String(),
		FenceWriters:           cfg.FenceWriters,
		FenceTTL:               cfg.FenceTTL.String(),
		StorageRetryAttempts:   cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:  cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier: cfg.StorageRetryMultiplier,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		LogLevel:               logLevel,
	}
}
