package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chaosq/internal/banner"
	"chaosq/internal/cli"
	"chaosq/internal/config"
	"chaosq/internal/dummy"
	"chaosq/internal/logging"
	"chaosq/internal/metrics"
	"chaosq/internal/monitor"
	"chaosq/internal/orchestrator"
	"chaosq/internal/pool"
	"chaosq/internal/session"
	"chaosq/internal/supervisor"
	"chaosq/internal/target"
	"chaosq/internal/tui"
)

// Version is set at build time with -ldflags "-X chaosq/cmd.Version=...".
var Version = "dev"

var (
	cfgFile string

	useTUI      bool
	wsURL       string
	healthURL   string
	variant     string
	outDir      string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "chaosq",
	Short: "chaosq - load and chaos testing for chat-style WebSocket services",
	Long: `
chaosq ramps up WebSocket connections against a target, drives message and
endurance load through them, and injects chaos (connection floods, process
kills) while sampling system and target resources.

Run "chaosq run --config session.yaml" for a headless session, add --tui for
the live dashboard, or start "chaosq dummy" for a reference target.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a test session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runSession(cmd.Context(), cfg)
	},
}

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run the built-in reference chat target",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		prefix, _ := cmd.Flags().GetString("topic-prefix")

		log, err := logging.New(config.LoggingConfig{Level: "info", Format: "console"})
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return dummy.New(dummy.ServerConfig{Port: port, TopicPrefix: prefix}, log).ListenAndServe(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chaosq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chaosq %s\n", Version)
	},
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd, dummyCmd, versionCmd)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "session config file (YAML or JSON)")

	runCmd.Flags().BoolVar(&useTUI, "tui", false, "show the live dashboard instead of the progress line")
	runCmd.Flags().StringVarP(&wsURL, "ws-url", "u", "", "target WebSocket URL (overrides target.ws_url)")
	runCmd.Flags().StringVar(&healthURL, "health-url", "", "target health URL (overrides target.health_url)")
	runCmd.Flags().StringVar(&variant, "variant", "", "connection variant: raw or handshake")
	runCmd.Flags().StringVarP(&outDir, "out", "o", "", "report output directory (overrides reporting.output_dir)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9091")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	dummyCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	dummyCmd.Flags().String("topic-prefix", "chat:", "topic family accepted by the handshake endpoint")
}

// loadConfig reads the config file and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}

	f := cmd.Flags()
	if f.Changed("ws-url") {
		cfg.Target.WSURL = wsURL
	}
	if f.Changed("health-url") {
		cfg.Target.HealthURL = healthURL
	}
	if f.Changed("variant") {
		cfg.Target.Variant = variant
	}
	if f.Changed("out") {
		cfg.Reporting.OutputDir = outDir
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Listen = metricsAddr
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if useTUI && cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Reporting.OutputDir, "chaosq.log")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runSession(ctx context.Context, cfg config.Config) error {
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	strategy, err := pool.NewStrategy(cfg.Target)
	if err != nil {
		return err
	}
	p := pool.New(strategy, log.Named("pool"))

	src := monitor.NewOSSource(cfg.Monitor.ProcessName, cfg.Monitor.Port, log.Named("monitor"))
	mon := monitor.New(src, cfg.Monitor, log.Named("monitor"))

	m := metrics.New(mon)
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, log.Named("metrics")); err != nil {
				log.Warn("metrics server", zap.Error(err))
			}
		}()
	}

	events := make(chan orchestrator.Event, 256)
	deps := orchestrator.Deps{
		Pool:    p,
		Monitor: mon,
		Metrics: m,
		Log:     log,
		Events:  events,
		OnTargetStart: func(h *supervisor.Handle) {
			src.Track(int32(h.PID))
		},
	}
	if cfg.Target.HealthURL != "" {
		deps.Health = target.NewHealthChecker(cfg.Target.HealthURL, cfg.Target.HealthTimeout)
	}
	if cfg.Supervised() {
		deps.Supervisor = supervisor.New(cfg.Process, log.Named("supervisor"))
	}

	o, err := orchestrator.New(cfg, deps)
	if err != nil {
		return err
	}

	var sess *session.Session
	if useTUI {
		sess, err = tui.Run(ctx, cfg, o, events, tea.WithAltScreen())
		if sess != nil {
			cli.PrintSummary(os.Stdout, sess)
		}
	} else {
		fmt.Println(banner.GetString())
		sess, err = cli.Start(ctx, cfg, o, events)
	}

	if errors.Is(err, orchestrator.ErrTargetNotReady) {
		return fmt.Errorf("session %s aborted: %w", sessionID(sess), err)
	}
	return err
}

func sessionID(s *session.Session) string {
	if s == nil {
		return "-"
	}
	return s.ID
}
