package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	familia "github.com/delano/familia-sub006"
	"github.com/delano/familia-sub006/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("FAMILIA_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "familia")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by every subcommand: one viper instance bound
// to the persistent flags and the leveled base logger.
type cli struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	logger     pslog.Logger
	configFile string
}

var configKeys = []string{
	"config",
	"store", "pebble-sync", "schema",
	"batch-size", "temp-key-ttl", "lock-ttl", "fence-writers", "fence-ttl",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), baseLogger: baseLogger, logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "familia",
		Short:         "familia maintains and rebuilds secondary indexes over a key-value object store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Rebuild the company-scoped email index of one company
  familia --store redis://localhost:6379/0 --schema schema.yaml rebuild employee email --scope acme

  # Rebuild every index declared on employee, class-wide and per company
  FAMILIA_STORE=pebble:///var/lib/familia familia rebuild employee --all --progress

  # Resolve values through a unique index
  familia lookup employee email ann@acme.test bob@acme.test --scope acme
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", fmt.Sprintf("config file (defaults to %s in the config dir when present)", familia.DefaultConfigFileName))
	flags.String("store", familia.DefaultStore, "store URL (mem://, pebble:///path, redis://host:port/db, rediss://...)")
	flags.Bool("pebble-sync", false, "fsync every pebble commit")
	flags.String("schema", "", fmt.Sprintf("schema file (defaults to %s in the config dir)", familia.DefaultSchemaFileName))
	flags.Int("batch-size", familia.DefaultBatchSize, "candidates processed per rebuild batch")
	flags.Duration("temp-key-ttl", familia.DefaultTempKeyTTL, "expiry attached to rebuild temp keys")
	flags.Duration("lock-ttl", familia.DefaultLockTTL, "rebuild lease expiry")
	flags.Bool("fence-writers", false, "make index writers fail fast while a rebuild swaps the index")
	flags.Duration("fence-ttl", familia.DefaultFenceTTL, "writer fence expiry")
	flags.Int("storage-retry-attempts", familia.DefaultStorageRetryMaxAttempts, "attempts per store call on transient errors (1 disables retries)")
	flags.Duration("storage-retry-base-delay", familia.DefaultStorageRetryBaseDelay, "initial delay between store retries")
	flags.Duration("storage-retry-max-delay", familia.DefaultStorageRetryMaxDelay, "maximum delay between store retries")
	flags.Float64("storage-retry-multiplier", familia.DefaultStorageRetryMultiplier, "backoff multiplier between store retries")
	flags.String("metrics-listen", familia.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", familia.DefaultPprofListen, "pprof debug listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics with the Prometheus metrics")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := bindFlags(c.v, flags); err != nil {
		panic(err)
	}
	c.v.SetEnvPrefix("FAMILIA")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	cmd.AddCommand(newRebuildCommand(c))
	cmd.AddCommand(newLookupCommand(c))
	cmd.AddCommand(newFindCommand(c))
	cmd.AddCommand(newDumpCommand(c))
	cmd.AddCommand(newOrphansCommand(c))
	cmd.AddCommand(newIndexesCommand(c))
	cmd.AddCommand(newVerifyCommand(c))
	cmd.AddCommand(newConfigCommand(c))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, name := range configKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not found", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return err
		}
	}
	return nil
}

// init reads the config file and applies the log level. It runs before every
// subcommand.
func (c *cli) init() error {
	path, err := c.loadConfigFile()
	if err != nil {
		return err
	}
	c.configFile = path
	level := strings.TrimSpace(c.v.GetString("log-level"))
	if level == "" {
		level = "info"
	}
	parsed, ok := pslog.ParseLevel(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	c.logger = c.baseLogger.LogLevel(parsed)
	if path != "" {
		loggingutil.WithSubsystem(c.logger, "cli.config").Debug("cli.config.loaded", "path", path)
	}
	return nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := familia.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, familia.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// bindConfig copies the effective flag, env and file values into a Config.
func (c *cli) bindConfig(cfg *familia.Config) error {
	cfg.Store = c.v.GetString("store")
	cfg.PebbleSync = c.v.GetBool("pebble-sync")
	cfg.Schema = strings.TrimSpace(c.v.GetString("schema"))
	if cfg.Schema == "" {
		if dir, err := familia.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, familia.DefaultSchemaFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfg.Schema = candidate
			}
		}
	} else {
		expanded, err := expandPath(cfg.Schema)
		if err != nil {
			return fmt.Errorf("expand schema path %q: %w", cfg.Schema, err)
		}
		cfg.Schema = expanded
	}
	cfg.BatchSize = c.v.GetInt("batch-size")
	cfg.TempKeyTTL = c.v.GetDuration("temp-key-ttl")
	cfg.LockTTL = c.v.GetDuration("lock-ttl")
	cfg.FenceWriters = c.v.GetBool("fence-writers")
	cfg.FenceTTL = c.v.GetDuration("fence-ttl")
	cfg.StorageRetryMaxAttempts = c.v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = c.v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = c.v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = c.v.GetFloat64("storage-retry-multiplier")
	cfg.MetricsListen = c.v.GetString("metrics-listen")
	cfg.PprofListen = c.v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = c.v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = c.v.GetString("otlp-endpoint")
	return cfg.Validate()
}

// open binds the config, starts telemetry and opens the store. The returned
// func releases all of it.
func (c *cli) open(ctx context.Context) (*familia.Instance, func(), error) {
	var cfg familia.Config
	if err := c.bindConfig(&cfg); err != nil {
		return nil, nil, err
	}
	tel, err := familia.StartTelemetry(ctx, familia.TelemetryFromConfig(cfg), c.logger)
	if err != nil {
		return nil, nil, err
	}
	inst, err := familia.Open(ctx, cfg, c.logger)
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return inst, func() {
		_ = inst.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
