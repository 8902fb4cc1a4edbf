package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"leadcast/internal/client"
	"leadcast/internal/config"
	"leadcast/internal/domain"
	"leadcast/internal/logging"
	"leadcast/internal/poller"
)

type watchApp struct {
	cfg     config.WatchConfig
	api     *client.Client
	history *poller.History
	out     io.Writer
}

func newRootCmd(a *watchApp) *cobra.Command {
	root := &cobra.Command{
		Use:           "watch",
		Short:         "Dispatch broadcasts and watch vendor confirmations arrive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.api = client.New(a.cfg.APIBaseURL)
			h, err := poller.NewHistory(a.cfg.HistoryFile)
			if err != nil {
				return err
			}
			a.history = h
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfg.APIBaseURL, "api", a.cfg.APIBaseURL, "broadcast API base URL")
	root.PersistentFlags().DurationVar(&a.cfg.Interval, "interval", a.cfg.Interval, "delay between status polls")
	root.PersistentFlags().DurationVar(&a.cfg.Budget, "budget", a.cfg.Budget, "how long to keep polling")
	root.PersistentFlags().StringVar(&a.cfg.HistoryFile, "history-file", a.cfg.HistoryFile, "JSON file for recent dispatches")

	root.AddCommand(a.sendCmd(), a.followCmd(), a.historyCmd())
	return root
}

func (a *watchApp) sendCmd() *cobra.Command {
	var noFollow bool
	cmd := &cobra.Command{
		Use:   "send <request.json>",
		Short: "Dispatch a broadcast request and follow its confirmations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req domain.DispatchRequest
			if err := json.Unmarshal(b, &req); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			resp, err := a.api.Dispatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "request %s: %s, sent %d, failed %d, skipped %d\n",
				resp.RequestID, resp.Status, resp.Sent, resp.Failed, resp.Skipped)
			for _, r := range resp.Results {
				if r.Status == domain.SendFailed {
					fmt.Fprintf(a.out, "  failed %s: %s\n", r.Phone, r.Error)
				}
			}
			if err := a.history.Add(poller.HistoryEntry{
				RequestID:   resp.RequestID,
				Item:        req.NeedDescription,
				Location:    req.UserLocationLabel,
				VendorCount: resp.Total,
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				slog.Warn("history not saved", "err", err)
			}
			if noFollow {
				return nil
			}
			return a.follow(cmd.Context(), poller.Session{
				RequestID: resp.RequestID,
				Vendors:   req.Businesses,
				Item:      req.NeedDescription,
			})
		},
	}
	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "exit after dispatching")
	return cmd
}

func (a *watchApp) followCmd() *cobra.Command {
	var item string
	cmd := &cobra.Command{
		Use:   "follow <requestId>",
		Short: "Poll an existing request for confirmations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if item == "" {
				for _, e := range a.history.List() {
					if e.RequestID == args[0] {
						item = e.Item
						break
					}
				}
			}
			return a.follow(cmd.Context(), poller.Session{RequestID: args[0], Item: item})
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "item name used in chat links")
	return cmd
}

func (a *watchApp) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent dispatches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := a.history.List()
			if len(entries) == 0 {
				fmt.Fprintln(a.out, "no recent dispatches")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(a.out, "%s  %-24s %-16s %d vendors  %s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04"), e.RequestID, e.Location, e.VendorCount, e.Item)
			}
			return nil
		},
	}
}

// follow runs one poller session until its budget elapses or ctx ends.
func (a *watchApp) follow(ctx context.Context, s poller.Session) error {
	done := make(chan poller.StopReason, 1)
	p := &poller.Poller{
		Fetcher:  a.api,
		Notifier: &printNotifier{out: a.out},
		Interval: a.cfg.Interval,
		Budget:   a.cfg.Budget,
		OnStop: func(_ poller.Session, reason poller.StopReason) {
			done <- reason
		},
	}
	fmt.Fprintf(a.out, "watching %s for %s\n", s.RequestID, a.cfg.Budget)
	p.Start(s)

	select {
	case reason := <-done:
		fmt.Fprintf(a.out, "stopped watching %s (%s)\n", s.RequestID, reason)
	case <-ctx.Done():
		p.Stop()
		fmt.Fprintf(a.out, "stopped watching %s (%s)\n", s.RequestID, <-done)
	}
	return nil
}

func main() {
	cfg := config.LoadWatch()
	logging.Init("watch", cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &watchApp{cfg: cfg, out: os.Stdout}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
