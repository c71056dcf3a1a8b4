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

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/waitroom"
	"pkt.systems/waitroom/internal/loggingutil"
	"pkt.systems/waitroom/internal/telemetry"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WAITROOM_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "waitroom")
	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "waitroom",
		Short:         "waitroom joins virtual waiting rooms and holds the admitted booking session",
		SilenceErrors: true,
		Example: `
  # Start a local queue server with two booking slots
  waitroom devserver --max-active 2

  # Queue for a performance and wait for admission
  waitroom join --performance perf-1 --schedule sched-1

  # Inspect a token
  waitroom status 0192f7a4-...
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.waitroom/config.yaml)")
	persistentFlags.StringP("server", "s", waitroom.DefaultServer, "queue server base URL")
	persistentFlags.String("api-prefix", waitroom.DefaultAPIPrefix, "path prefix of the queue routes")
	persistentFlags.Duration("timeout", waitroom.DefaultHTTPTimeout, "per-request HTTP timeout")
	persistentFlags.String("client-id", "", "client instance id sent with every request (random when empty)")
	persistentFlags.String("access-token", "", "bearer token forwarded to the queue server")
	persistentFlags.String("session-id", "", "visitor session id forwarded to the queue server")
	persistentFlags.Duration("beacon-timeout", waitroom.DefaultBeaconTimeout, "timeout for each detached release delivery")
	persistentFlags.Int("beacon-queue", waitroom.DefaultBeaconQueue, "maximum pending release notifications")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")
	persistentFlags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.Bool("enable-runtime-metrics", false, "export Go runtime metrics on the metrics listener")

	viper.SetEnvPrefix("WAITROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlags(persistentFlags,
		"config", "server", "api-prefix", "timeout", "client-id", "access-token", "session-id",
		"beacon-timeout", "beacon-queue", "log-level", "metrics-listen", "otlp-endpoint", "enable-runtime-metrics",
	)

	cmd.AddCommand(newJoinCommand(baseLogger))
	cmd.AddCommand(newGatewayCommands(baseLogger)...)
	cmd.AddCommand(newDevserverCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

// cliEnv is the resolved configuration shared by every subcommand.
type cliEnv struct {
	cfg        waitroom.Config
	logger     pslog.Logger
	configFile string
}

func loadEnv(baseLogger pslog.Logger) (*cliEnv, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	cfg := bindConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := baseLogger
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli.config").Debug("cli.config.loaded", "path", configFile)
	}
	return &cliEnv{cfg: cfg, logger: logger, configFile: configFile}, nil
}

func bindConfig() waitroom.Config {
	return waitroom.Config{
		Server:                  viper.GetString("server"),
		APIPrefix:               viper.GetString("api-prefix"),
		Timeout:                 viper.GetDuration("timeout"),
		ClientID:                strings.TrimSpace(viper.GetString("client-id")),
		AccessToken:             viper.GetString("access-token"),
		SessionID:               viper.GetString("session-id"),
		BeaconTimeout:           viper.GetDuration("beacon-timeout"),
		BeaconQueue:             viper.GetInt("beacon-queue"),
		PollInterval:            viper.GetDuration("poll-interval"),
		HiddenPollInterval:      viper.GetDuration("hidden-poll-interval"),
		HeartbeatInterval:       viper.GetDuration("heartbeat-interval"),
		HiddenHeartbeatInterval: viper.GetDuration("hidden-heartbeat-interval"),
		ActivationDelay:         viper.GetDuration("activation-delay"),
		ExpiryDelay:             viper.GetDuration("expiry-delay"),
		PromptOnUnload:          viper.GetBool("prompt-on-unload"),
		MetricsListen:           strings.TrimSpace(viper.GetString("metrics-listen")),
		OTLPEndpoint:            strings.TrimSpace(viper.GetString("otlp-endpoint")),
		RuntimeMetrics:          viper.GetBool("enable-runtime-metrics"),
	}
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := waitroom.DefaultConfigPath(); err == nil {
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
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
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

// startTelemetry wires metrics and tracing for long-running commands. The
// returned bundle is nil when nothing is enabled; Shutdown is nil-safe.
func startTelemetry(ctx context.Context, cfg waitroom.Config, logger pslog.Logger) (*telemetry.Bundle, error) {
	return telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "waitroom",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		RuntimeMetrics: cfg.RuntimeMetrics,
	}, loggingutil.WithSubsystem(logger, "cli.telemetry"))
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
