package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/data-compare/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization so signals are
	// registered before any library can interfere
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main().
// This must be called before Execute().
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// broadcastLogHandler wraps a slog handler and broadcasts logs to viewer clients
type broadcastLogHandler struct {
	handler slog.Handler
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	// logBroadcast only exists while the viewer runs
	if ch := currentLogBroadcast(); ch != nil {
		logMsg := LogMessage{
			Timestamp: r.Time.Format("2006-01-02 15:04:05"),
			Level:     r.Level.String(),
			Message:   r.Message,
		}
		select {
		case ch <- logMsg:
		default:
			// Channel full, drop rather than block the caller
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name)}
}

// textOnlyHandler outputs human-readable text without key=value pairs, suitable
// for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", r.Time.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	return err
}

// Attributes and groups are dropped in text-only mode
func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	initLoggerTo(os.Stdout, isDebug, format)
}

// initLoggerTo is initLogger writing to w. The TUI passes io.Discard so log lines
// do not corrupt the display; the viewer still receives them.
func initLoggerTo(w io.Writer, isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newTextOnlyHandler(w, opts)
	}

	logger = slog.New(newBroadcastLogHandler(handler))
}

var rootCmd = &cobra.Command{
	Use:     "data-compare",
	Version: Version,
	Short:   "🔍 Compare two tables or queries row by row, at any size",
	Long: titleStyle.Render("Data Compare") + `

A CLI tool to diff two datasets (tables, views or ad-hoc queries) living in the same
PostgreSQL, MySQL or SQLite database. Small datasets are compared with a single outer
join; large ones are hash-partitioned into buckets that are diffed one at a time, so
memory stays bounded and a run can be cancelled with partial results kept.
Differences are materialized into a results table and can be exported to JSONL, CSV
or Parquet, locally or to S3.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.data-compare.yaml)")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug output")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	pf.String("driver", "postgres", "database driver: postgres, mysql, sqlite")
	pf.String("dsn", "", "database connection string")
	pf.Int("db-statement-timeout", 300, "statement timeout in seconds (0 = no timeout)")
	pf.Int("db-max-retries", 3, "retry attempts for queries failing on connection errors")
	pf.Int("db-retry-delay", 5, "delay in seconds between retry attempts")

	pf.String("store", storeFile, "where comparisons are persisted: file, sql")
	pf.String("store-dir", "", "directory of the file store (default is $HOME/.data-compare/comparisons)")
	pf.String("store-table", "", "table of the sql store (default data_compare_comparisons)")

	pf.String("redis-addr", "", "publish live progress to this Redis server (host:port)")
	pf.String("redis-password", "", "Redis password")
	pf.Int("redis-db", 0, "Redis database number")
	pf.Int("redis-ttl", 86400, "seconds the last progress of a comparison is kept in Redis")

	pf.Int("viewer-port", 8080, "port for the viewer web server")

	// Note: required values are checked by Config.Validate after viper has merged
	// flags, environment and the config file.
	bind := map[string]string{
		"debug":                "debug",
		"log_format":           "log-format",
		"db.driver":            "driver",
		"db.dsn":               "dsn",
		"db.statement_timeout": "db-statement-timeout",
		"db.max_retries":       "db-max-retries",
		"db.retry_delay":       "db-retry-delay",
		"store.backend":        "store",
		"store.dir":            "store-dir",
		"store.table":          "store-table",
		"redis.addr":           "redis-addr",
		"redis.password":       "redis-password",
		"redis.db":             "redis-db",
		"redis.ttl":            "redis-ttl",
		"viewer_port":          "viewer-port",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}

	viper.SetDefault("compare.threshold", comparison.DefaultThreshold)
	viper.SetDefault("compare.large_dataset_threshold", comparison.DefaultLargeDatasetThreshold)
	viper.SetDefault("compare.modulus", comparison.DefaultModulus)
	viper.SetDefault("compare.max_depth", comparison.DefaultMaxDepth)
	viper.SetDefault("compare.bucket_retries", comparison.DefaultMaxRetries)
	viper.SetDefault("compare.bucket_retry_delay_ms", comparison.DefaultRetryDelay.Milliseconds())
	viper.SetDefault("compare.sample_size", comparison.DefaultSampleSize)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".data-compare")
	}

	viper.SetEnvPrefix("DIFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// commandContext returns the signal-aware context of the process.
func commandContext() (context.Context, context.CancelFunc) {
	if signalContext != nil {
		return context.WithCancel(signalContext)
	}
	if logger != nil {
		logger.Warn("Signal context not set, creating fallback...")
	}
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// recoverPanic prints a panic and exits 1. Deferred first thing by every command.
func recoverPanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
		os.Exit(1)
	}
}

// isCancellation reports whether err means the user stopped the command.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, comparison.ErrCancelled)
}

// exitOnError logs err and exits: 130 for user cancellation, 1 otherwise.
func exitOnError(action string, err error) {
	if err == nil {
		return
	}
	if isCancellation(err) {
		logger.Info("")
		logger.Info(fmt.Sprintf("⚠️  %s cancelled by user", action))
		os.Exit(130)
	}
	logger.Error(fmt.Sprintf("❌ %s failed: %s", action, sqlsafe.SanitizeError(err.Error())))
	os.Exit(1)
}

// setupCommand loads and validates the configuration and initializes logging.
func setupCommand(quiet bool) *Config {
	config := loadConfig()
	if quiet && !config.Debug {
		initLoggerTo(io.Discard, config.Debug, config.LogFormat)
	} else {
		initLogger(config.Debug, config.LogFormat)
	}

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "❌ Configuration error: "+err.Error())
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")
	return config
}
