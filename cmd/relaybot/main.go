package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"relaybot/internal/app"
	logx "relaybot/pkg/logx"
)

var (
	configPath string
	version    = "dev"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

const stopTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaybot",
		Short:         "relaybot - rule-based content distribution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "config file path (json or yaml)")

	root.AddCommand(
		serveCmd(),
		enqueueCmd(),
		reviewCmd("approve", "Approve held content and enqueue its stored targets"),
		reviewCmd("reject", "Reject held content"),
		statsCmd(),
		failuresCmd(),
		drainCmd(),
		versionCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, maintenance jobs and the enabled inbound surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.NewApp(ctx, configPath)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			notify(a.Logger(), daemon.SdNotifyReady)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)

			var reason app.StopReason
		wait:
			for {
				select {
				case sig := <-sigCh:
					if sig == syscall.SIGHUP {
						notify(a.Logger(), daemon.SdNotifyReloading)
						if err := a.Reload(ctx); err != nil {
							a.Logger().Warn("reload on SIGHUP rejected; keeping previous", logx.Err(err))
						}
						notify(a.Logger(), daemon.SdNotifyReady)
						continue
					}
					reason = app.StopSIGTERM
					if sig == syscall.SIGINT {
						reason = app.StopSIGINT
					}
					break wait
				case <-a.Done():
					reason = app.StopFatalError
					break wait
				}
			}
			notify(a.Logger(), daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			fatal := a.Err()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError && fatal != nil {
				return fatal
			}
			return nil
		},
	}
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	} else if ok {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <content-id>",
		Short: "Evaluate stored content against the rules and enqueue push tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContentID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Queue().EnqueueContent(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func reviewCmd(action, short string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   action + " <content-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContentID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if action == "reject" {
					if err := a.Queue().Reject(ctx, id, note); err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"content_id": id, "review_status": "rejected"})
				}
				res, err := a.Queue().Approve(ctx, id, note)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "review note stored with the decision")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print content, ledger and task counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Store().Stats(ctx, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func failuresCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failures [target]",
		Short: "List failed pushes, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Store().ListFailures(ctx, target, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to print")
	return cmd
}

func drainCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process eligible tasks in the foreground and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Worker().Drain(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"processed": n, "worker": a.Worker().Snapshot()})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many tasks (0 = until the queue is empty)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "relaybot %s\n", version)
			fmt.Fprintf(out, "Git commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Build time: %s\n", buildTime)
		},
	}
}

// withApp wires the app for a one-shot command. Interrupts cancel ctx.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseContentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid content id %q", raw)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
