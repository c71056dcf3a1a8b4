package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/waitroom/api"
	"pkt.systems/waitroom/client"
	"pkt.systems/waitroom/internal/loggingutil"
)

// gatewayRun is the body of a one-shot gateway command.
type gatewayRun func(ctx context.Context, gw *client.Client, out io.Writer, args []string) error

func newGatewayCommands(baseLogger pslog.Logger) []*cobra.Command {
	var performanceID, scheduleID, reason string

	check := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "check",
		Short: "Ask whether a visitor must queue for a performance",
	}, func(ctx context.Context, gw *client.Client, out io.Writer, _ []string) error {
		return writeJSON(out, gw.CheckRequirement(ctx, performanceID, scheduleID))
	})
	check.Flags().StringVarP(&performanceID, "performance", "p", "", "performance to check")
	check.Flags().StringVar(&scheduleID, "schedule", "", "schedule within the performance")
	_ = check.MarkFlagRequired("performance")

	token := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "token",
		Short: "Issue a queue token for a performance",
	}, func(ctx context.Context, gw *client.Client, out io.Writer, _ []string) error {
		tok, err := gw.IssueToken(ctx, performanceID)
		if err != nil {
			return err
		}
		return writeJSON(out, tok)
	})
	token.Flags().StringVarP(&performanceID, "performance", "p", "", "performance to queue for")
	_ = token.MarkFlagRequired("performance")

	status := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "status TOKEN",
		Short: "Show the current status of a queue token",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, gw *client.Client, out io.Writer, args []string) error {
		tok, err := gw.TokenStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(out, tok)
	})

	cancel := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "cancel TOKEN",
		Short: "Withdraw a queue token",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, gw *client.Client, out io.Writer, args []string) error {
		if err := gw.CancelToken(ctx, args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "cancelled %s\n", args[0])
		return err
	})

	heartbeat := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "heartbeat",
		Short: "Send one heartbeat for an active booking session",
	}, func(ctx context.Context, gw *client.Client, out io.Writer, _ []string) error {
		if err := gw.SendHeartbeat(ctx, performanceID, scheduleID); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "heartbeat accepted")
		return err
	})
	heartbeat.Flags().StringVarP(&performanceID, "performance", "p", "", "performance of the booking session")
	heartbeat.Flags().StringVar(&scheduleID, "schedule", "", "schedule of the booking session")
	_ = heartbeat.MarkFlagRequired("performance")

	release := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "release",
		Short: "Release an active booking session",
	}, func(ctx context.Context, gw *client.Client, out io.Writer, _ []string) error {
		r, err := parseReleaseReason(reason)
		if err != nil {
			return err
		}
		if err := gw.SendRelease(performanceID, scheduleID, r); err != nil {
			return err
		}
		if err := gw.Flush(ctx); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "released (%s)\n", r)
		return err
	})
	release.Flags().StringVarP(&performanceID, "performance", "p", "", "performance of the booking session")
	release.Flags().StringVar(&scheduleID, "schedule", "", "schedule of the booking session")
	release.Flags().StringVar(&reason, "reason", string(api.ReleaseUserLeft), "release reason (user_left, page_unload, component_unmount)")
	_ = release.MarkFlagRequired("performance")

	clearSessions := gatewayCommand(baseLogger, &cobra.Command{
		Use:   "clear-sessions",
		Short: "Wipe every token and session on the queue server",
	}, func(ctx context.Context, gw *client.Client, out io.Writer, _ []string) error {
		if err := gw.ClearSessions(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "sessions cleared")
		return err
	})

	return []*cobra.Command{check, token, status, cancel, heartbeat, release, clearSessions}
}

func gatewayCommand(baseLogger pslog.Logger, cmd *cobra.Command, run gatewayRun) *cobra.Command {
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		env, err := loadEnv(baseLogger)
		if err != nil {
			return err
		}
		logger := loggingutil.WithSubsystem(env.logger, "cli."+cmd.Name())
		gw, err := env.cfg.NewClient(env.logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), exitFlushTimeout)
			defer cancel()
			if err := gw.Close(closeCtx); err != nil {
				logger.Warn("cli.gateway.close_failed", "error", err)
			}
		}()
		return run(cmd.Context(), gw, cmd.OutOrStdout(), args)
	}
	return cmd
}

func parseReleaseReason(raw string) (api.ReleaseReason, error) {
	switch r := api.ReleaseReason(strings.ToLower(strings.TrimSpace(raw))); r {
	case api.ReleaseUserLeft, api.ReleasePageUnload, api.ReleaseTeardown:
		return r, nil
	}
	return "", fmt.Errorf("unknown release reason %q", raw)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
