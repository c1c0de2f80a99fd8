// Command otpnetd runs an otpnet gateway serving WebSocket and raw socket
// clients from one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/otpnet/gateway"
	"github.com/luciancaetano/otpnet/internal/config"
	"github.com/luciancaetano/otpnet/internal/logging"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "otpnetd",
		Short:        "otpnet gateway daemon",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd prints the version.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "otpnetd version %s\n", version)
		},
	}
}

// serveCmd starts the gateway and blocks until SIGINT or SIGTERM.
func serveCmd() *cobra.Command {
	var (
		envFile     string
		wsAddr      string
		socketAddr  string
		logLevel    string
		logFormat   string
		allOrigins  bool
		stopTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}

			// Flags win over the environment.
			flags := cmd.Flags()
			if flags.Changed("ws-addr") {
				cfg.WSAddr = wsAddr
			}
			if flags.Changed("socket-addr") {
				cfg.SocketAddr = socketAddr
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("log-format") {
				cfg.LogFormat = logFormat
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			gwCfg := gatewayConfig(cfg, logger)
			if allOrigins {
				gwCfg.CheckOrigin = gateway.AllOrigins()
			}

			return run(cmd.Context(), gwCfg, stopTimeout)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", "", "Environment file to load (default .env)")
	flags.StringVar(&wsAddr, "ws-addr", "", "WebSocket listen address (or set OTPNET_WS_ADDR)")
	flags.StringVar(&socketAddr, "socket-addr", "", "Socket listen address (or set OTPNET_SOCKET_ADDR)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (or set OTPNET_LOG_LEVEL)")
	flags.StringVar(&logFormat, "log-format", "", "Log format: json, console (or set OTPNET_LOG_FORMAT)")
	flags.BoolVar(&allOrigins, "all-origins", false, "Accept WebSocket upgrades from any origin (development only)")
	flags.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "Graceful shutdown timeout")
	return cmd
}

func gatewayConfig(cfg *config.Config, logger *zap.Logger) gateway.Config {
	gwCfg := gateway.DefaultConfig()
	gwCfg.WebSocketAddr = cfg.WSAddr
	gwCfg.SocketAddr = cfg.SocketAddr
	gwCfg.SocketIdleTimeout = cfg.SocketIdleTimeout
	gwCfg.MaxKeySize = cfg.MaxKeySize
	gwCfg.Metrics = cfg.Metrics
	gwCfg.Logger = logger
	gwCfg.RateLimitConfig = &gateway.RateLimitConfig{
		MessagesPerSecond: rate.Limit(cfg.RateLimit),
		Burst:             cfg.RateBurst,
		Enabled:           cfg.RateLimit > 0,
	}
	return gwCfg
}

func run(ctx context.Context, cfg gateway.Config, stopTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	logger := logging.OrNop(cfg.Logger).With(zap.String("instance", g.ID()))

	app := newApp(g, logger)
	if err := app.register(ctx); err != nil {
		return err
	}

	if err := g.Start(ctx); err != nil {
		return err
	}
	logger.Info("otpnetd running", zap.String("version", version))

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return g.Stop(stopCtx)
}
