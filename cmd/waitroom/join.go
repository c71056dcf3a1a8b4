package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/waitroom"
	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/internal/loggingutil"
	"pkt.systems/waitroom/session"
)

const exitFlushTimeout = 5 * time.Second

var (
	errSessionExpired   = errors.New("waitroom: admission expired")
	errSessionCancelled = errors.New("waitroom: admission cancelled")
	errInterrupted      = errors.New("waitroom: interrupted")
)

func newJoinCommand(baseLogger pslog.Logger) *cobra.Command {
	var performanceID, scheduleID string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the waiting room and wait for admission to the booking flow",
		Long: `join runs a queue session until the visitor is handed off to booking.

Signals map to page lifecycle events: SIGUSR1 hides the page (slower polling
and heartbeats), SIGUSR2 shows it again. The first SIGINT while a booking
session is active asks for confirmation; a second SIGINT or a SIGTERM leaves
the session and releases it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			env, err := loadEnv(baseLogger)
			if err != nil {
				return err
			}
			return runJoin(cmd.Context(), env, performanceID, scheduleID, cmd.OutOrStdout(), nil)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&performanceID, "performance", "p", "", "performance to queue for")
	flags.StringVar(&scheduleID, "schedule", "", "schedule within the performance")
	flags.Duration("poll-interval", waitroom.DefaultPollInterval, "status polling period while visible")
	flags.Duration("hidden-poll-interval", waitroom.DefaultHiddenPollInterval, "status polling period while hidden")
	flags.Duration("heartbeat-interval", waitroom.DefaultHeartbeatInterval, "heartbeat period while visible")
	flags.Duration("hidden-heartbeat-interval", waitroom.DefaultHiddenHeartbeatInterval, "heartbeat period while hidden")
	flags.Duration("activation-delay", waitroom.DefaultActivationDelay, "pause between admission and hand-off")
	flags.Duration("expiry-delay", waitroom.DefaultExpiryDelay, "pause between expiry and exit")
	flags.Bool("prompt-on-unload", true, "ask for confirmation on the first interrupt while a session is active")
	_ = cmd.MarkFlagRequired("performance")
	bindFlags(flags,
		"poll-interval", "hidden-poll-interval", "heartbeat-interval", "hidden-heartbeat-interval",
		"activation-delay", "expiry-delay", "prompt-on-unload",
	)
	return cmd
}

// runJoin drives one controller attempt to completion. signals may be nil,
// in which case the process signals are used.
func runJoin(ctx context.Context, env *cliEnv, performanceID, scheduleID string, out io.Writer, signals <-chan os.Signal) error {
	logger := loggingutil.WithSubsystem(env.logger, "cli.join")

	bundle, err := startTelemetry(ctx, env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), exitFlushTimeout)
		defer cancel()
		if err := bundle.Shutdown(shutdownCtx); err != nil {
			logger.Warn("cli.join.telemetry_shutdown_failed", "error", err)
		}
	}()

	gw, err := env.cfg.NewClient(env.logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), exitFlushTimeout)
		defer cancel()
		if err := gw.Close(flushCtx); err != nil {
			logger.Warn("cli.join.flush_failed", "error", err)
		}
	}()

	page := session.NewPage()
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	printer := &statePrinter{out: out}
	opts := append(env.cfg.SessionOptions(env.logger),
		session.WithPage(page),
		session.OnChange(func(s session.State) {
			printer.print(s)
			if s.Phase == session.PhaseError {
				finish(s.Err)
			}
		}),
		session.OnProceed(func(performanceID, scheduleID string) {
			fmt.Fprintf(out, "proceed: booking %s/%s\n", performanceID, scheduleID)
			finish(nil)
		}),
		session.OnExpired(func(session.State) { finish(errSessionExpired) }),
		session.OnCancelled(func(session.State) { finish(errSessionCancelled) }),
	)
	ctl, err := session.NewController(gw, opts...)
	if err != nil {
		return err
	}
	defer ctl.Close()

	if signals == nil {
		sigs := make(chan os.Signal, 4)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
		defer signal.Stop(sigs)
		signals = sigs
	}

	logger.Info("cli.join.start", "server", env.cfg.Server, "performance_id", performanceID, "schedule_id", scheduleID, "client_id", gw.ClientID())
	if err := ctl.Start(ctx, performanceID, scheduleID); err != nil {
		return err
	}

	confirming := false
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			leave(ctl, page, logger)
			return ctx.Err()
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				page.Dispatch(session.EventHidden)
				logger.Debug("cli.join.page_hidden")
			case syscall.SIGUSR2:
				page.Dispatch(session.EventVisible)
				logger.Debug("cli.join.page_visible")
			case syscall.SIGINT:
				if !confirming && ctl.Active().Value() && page.Dispatch(session.EventBeforeUnload) {
					confirming = true
					fmt.Fprintln(out, "a booking session is active: interrupt again to leave and release it")
					continue
				}
				leave(ctl, page, logger)
				return errInterrupted
			default:
				leave(ctl, page, logger)
				return errInterrupted
			}
		}
	}
}

// leave tears the page down, which releases an active session, then
// withdraws any token still held.
func leave(ctl *session.Controller, page *session.Page, logger pslog.Logger) {
	page.Dispatch(session.EventUnload)
	ctx, cancel := context.WithTimeout(context.Background(), exitFlushTimeout)
	defer cancel()
	if err := ctl.Leave(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
		logger.Warn("cli.join.leave_failed", "error", err)
	}
}

// statePrinter renders controller snapshots, skipping lines identical to the
// previous one.
type statePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func (p *statePrinter) print(s session.State) {
	line := describeState(s, time.Now())
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.out, line)
}

func describeState(s session.State, now time.Time) string {
	switch s.Phase {
	case session.PhaseInitializing:
		return "checking queue requirement"
	case session.PhaseDirectlyAdmitted:
		return "admitted directly"
	case session.PhaseWaiting:
		if s.Token == nil {
			return "waiting"
		}
		return fmt.Sprintf("waiting: position %s, estimated wait %s", humanize.Comma(s.Token.PositionInQueue), describeWait(s.Token.EstimatedWaitTime, now))
	case session.PhaseActive:
		if s.Token != nil && s.Token.BookingExpiresAt != nil {
			return "admitted: booking window closes " + humanize.Time(*s.Token.BookingExpiresAt)
		}
		return "admitted"
	case session.PhaseHandedOff:
		return "handed off to booking"
	case session.PhaseExpired:
		return "admission expired"
	case session.PhaseCancelled:
		if s.Token != nil && s.Token.Status == api.StatusUsed {
			return "token already used"
		}
		return "left the waiting room"
	case session.PhaseError:
		if s.Err != nil {
			return "error: " + s.Err.Error()
		}
		return "error"
	}
	return ""
}

func describeWait(seconds int64, now time.Time) string {
	if seconds <= 0 {
		return "unknown"
	}
	return strings.TrimSpace(humanize.RelTime(now, now.Add(time.Duration(seconds)*time.Second), "", ""))
}
