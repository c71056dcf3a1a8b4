package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/waitroom/devserver"
	"pkt.systems/waitroom/internal/loggingutil"
)

const devserverShutdownTimeout = 10 * time.Second

func newDevserverCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a reference queue server for local development",
		Example: `
  # In-memory room with three booking slots
  waitroom devserver --max-active 3

  # Shared room in Redis, routes mounted at the root
  waitroom devserver --store redis://localhost:6379/0 --prefix /
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			env, err := loadEnv(baseLogger)
			if err != nil {
				return err
			}
			logger := loggingutil.WithSubsystem(env.logger, "cli.devserver")
			ctx := withSignalCancel(cmd.Context())

			bundle, err := startTelemetry(ctx, env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), devserverShutdownTimeout)
				defer cancel()
				_ = bundle.Shutdown(shutdownCtx)
			}()

			srv, err := devserver.New(bindDevserverConfig(), devserver.WithLogger(env.logger))
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), devserverShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("cli.devserver.shutdown_failed", "error", err)
				}
			}()
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("listen", devserver.DefaultListen, "listen address")
	flags.String("store", devserver.DefaultStore, "room store URL (mem://, redis://host:port/db?key=name)")
	flags.String("prefix", devserver.DefaultPrefix, "path prefix of the queue routes (\"/\" mounts at the root)")
	flags.Int("max-active", devserver.DefaultMaxActive, "number of concurrent booking sessions")
	flags.Duration("token-ttl", devserver.DefaultTokenTTL, "how long a token may wait in line")
	flags.Duration("booking-window", devserver.DefaultBookingWindow, "length of an admitted booking session")
	flags.Duration("heartbeat-timeout", devserver.DefaultHeartbeatTimeout, "evict active sessions silent for this long")
	flags.Duration("sweep-interval", devserver.DefaultSweepInterval, "interval of the eviction sweeper")
	flags.Duration("slot-estimate", devserver.DefaultSlotEstimate, "estimated wait per position in line")
	flags.String("secret", "", "HS256 secret signing admission tokens (random when empty)")
	bindFlags(flags,
		"listen", "store", "prefix", "max-active", "token-ttl", "booking-window",
		"heartbeat-timeout", "sweep-interval", "slot-estimate", "secret",
	)
	return cmd
}

func bindDevserverConfig() devserver.Config {
	return devserver.Config{
		Listen:           strings.TrimSpace(viper.GetString("listen")),
		Store:            strings.TrimSpace(viper.GetString("store")),
		Prefix:           viper.GetString("prefix"),
		MaxActive:        viper.GetInt("max-active"),
		TokenTTL:         viper.GetDuration("token-ttl"),
		BookingWindow:    viper.GetDuration("booking-window"),
		HeartbeatTimeout: viper.GetDuration("heartbeat-timeout"),
		SweepInterval:    viper.GetDuration("sweep-interval"),
		SlotEstimate:     viper.GetDuration("slot-estimate"),
		Secret:           viper.GetString("secret"),
	}
}
