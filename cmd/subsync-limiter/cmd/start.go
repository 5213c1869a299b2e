package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/subsync/subsync-limiter/internal/adapter/inbound/http"
	"github.com/subsync/subsync-limiter/internal/adapter/outbound/cel"
	"github.com/subsync/subsync-limiter/internal/adapter/outbound/memory"
	"github.com/subsync/subsync-limiter/internal/adapter/outbound/telemetry"
	"github.com/subsync/subsync-limiter/internal/config"
	"github.com/subsync/subsync-limiter/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gate",
	Long: `Start the subsync-limiter admission gate.

Admitted requests are proxied to server.upstream. Without an upstream the
gate answers admitted requests with 204 No Content, which is useful when it
runs as an auth-request style sidecar.

Examples:
  # Start with config file settings
  subsync-limiter start

  # Start with a specific config file
  subsync-limiter --config /path/to/config.yaml start

  # Start in development mode (debug logging, default per-IP rule)
  subsync-limiter start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, default rule)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(os.Stderr, cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// So "subsync-limiter stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("subsync-limiter stopped")
	return nil
}

// loadValidatedConfig loads the config, applies the --dev flag and validates.
func loadValidatedConfig() (*config.GateConfig, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. DevMode always forces debug.
func newLogger(w io.Writer, cfg *config.GateConfig) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// gate holds the wired components of a running gate.
type gate struct {
	limiter   *memory.MemoryRateLimiter
	admission *service.AdmissionService
	stats     *service.StatsService
	server    *http.Server
	telemetry *telemetry.Telemetry
}

// buildGate wires every component from cfg without starting anything.
func buildGate(cfg *config.GateConfig, logger *slog.Logger) (*gate, error) {
	trusted, err := http.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	routes, err := http.NewRouteTable(cfg.RateLimit.Routes)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Setup(telemetry.Config{
		Stdout:   cfg.Telemetry.Stdout,
		Writer:   os.Stdout,
		Interval: cfg.TelemetryInterval(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	rules, err := cfg.ToRules()
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create rule matcher: %w", err)
	}

	limiter := memory.NewRateLimiter(memory.WithRateLimiterLogger(logger))
	stats := service.NewStatsService()

	admissionService, err := service.NewAdmissionService(limiter, evaluator, rules, logger,
		service.WithStats(stats),
		service.WithMeter(tel.Meter()),
		service.WithTracer(tel.Tracer()),
		service.WithMaxKeysPerRule(cfg.RateLimit.MaxKeys),
	)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to load admission rules: %w", err)
	}

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithShutdownTimeout(cfg.ShutdownTimeout()),
		http.WithIdentityHeader(cfg.Server.IdentityHeader),
		http.WithKeyCounter(limiter),
		http.WithTrustedProxies(trusted),
		http.WithRoutes(routes),
		http.WithHealthChecker(http.NewHealthChecker(limiter, len(rules), Version)),
		http.WithAdminHandler(http.NewAdminHandler(admissionService, stats, logger).Routes()),
	}
	if cfg.Server.Upstream != "" {
		upstream, err := url.Parse(cfg.Server.Upstream)
		if err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, fmt.Errorf("invalid upstream URL: %w", err)
		}
		opts = append(opts, http.WithUpstream(upstream))
	}

	return &gate{
		limiter:   limiter,
		admission: admissionService,
		stats:     stats,
		server:    http.NewServer(admissionService, opts...),
		telemetry: tel,
	}, nil
}

// run wires all components and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.GateConfig, logger *slog.Logger) error {
	g, err := buildGate(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if cfg.DevMode {
		logger.Warn("development mode enabled; do not run in production")
	}

	printBanner(os.Stderr, Version, cfg.Server.HTTPAddr, cfg.Server.Upstream, cfg.DevMode, len(g.admission.Rules()))

	return g.server.Start(ctx)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a startup banner with version, addresses, mode and rule count.
func printBanner(w io.Writer, version, httpAddr, upstream string, devMode bool, ruleCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	base := "http://" + httpAddr
	if strings.HasPrefix(httpAddr, ":") {
		base = "http://localhost" + httpAddr
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}

	if upstream == "" {
		upstream = dim + "none (204 on admit)" + reset
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  %s%s subsync-limiter %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "  %-14s %s\n", "Gate:", base+"/")
	fmt.Fprintf(w, "  %-14s %s\n", "Upstream:", upstream)
	fmt.Fprintf(w, "  %-14s %s\n", "Admin API:", base+"/admin/api/rules")
	fmt.Fprintf(w, "  %-14s %s\n", "Metrics:", base+"/metrics")
	fmt.Fprintf(w, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(w, "  %-14s %d active\n", "Rules:", ruleCount)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "\n")
}
