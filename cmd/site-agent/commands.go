package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/sitesync/cmd/site-agent/puller"
	"github.com/lyzr/sitesync/common/models"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	Verbose  bool
	Database string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "site-agent",
		Short: "Replicates central records into this site's local database",
		Long: `site-agent pulls the queued and central streams from the sync server,
applies them to a local SQLite database and acknowledges what it applied.

Configuration comes from config.yaml (CONFIG_PATH) and SITE_* environment
variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "site database path (overrides SITE_DATABASE_PATH)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newOnceCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))

	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on the configured interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler := puller.NewScheduler(a.cfg.Site.Interval, func(ctx context.Context) error {
				_, err := a.puller.Sync(ctx, a.store)
				if errHalted(err) {
					a.log.Warn("site halted, waiting for resume")
					return nil
				}
				return err
			}, a.log)
			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			a.log.Info("received signal, shutting down")
			scheduler.Stop()

			a.log.Info("site agent stopped", "dropped_ticks", scheduler.Dropped())
			return nil
		},
	}
}

func newOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sync cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.puller.Sync(cmd.Context(), a.store)
			printState(cmd.OutOrStdout(), state, -1)
			if err != nil {
				return fmt.Errorf("sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local sync progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			state, err := a.store.LoadState(ctx)
			if err != nil {
				return err
			}
			count, err := a.store.Count(ctx)
			if err != nil {
				return err
			}

			var server *models.SiteStatus
			if remote {
				if server, err = a.client.Status(ctx); err != nil {
					return fmt.Errorf("failed to fetch server status: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					SiteID  string             `json:"site_id"`
					State   models.SiteState   `json:"state"`
					Records int                `json:"records"`
					Server  *models.SiteStatus `json:"server,omitempty"`
				}{a.cfg.Site.SiteID, state, count, server})
			}

			fmt.Fprintf(out, "site:         %s\n", a.cfg.Site.SiteID)
			printState(out, state, count)
			if server != nil {
				for _, stream := range models.Streams {
					fmt.Fprintf(out, "server lag:   %s %d\n", stream, server.Lag[stream])
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().BoolVar(&remote, "remote", false, "also ask the sync server for this site's lag")

	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear a halt so syncing starts again",
		Long: `A site is halted when the server refuses its credentials or hardware id.
Fix the cause, then run resume; the next cycle retries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			before, err := a.store.LoadState(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := puller.Resume(cmd.Context(), a.store); err != nil {
				return err
			}

			if before.Status == models.AgentHalted {
				fmt.Fprintln(cmd.OutOrStdout(), "resumed; previous error:", before.LastError)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "site was not halted")
			}
			return nil
		},
	}
}

// printState writes the human form of state; records < 0 omits the count
func printState(w io.Writer, state models.SiteState, records int) {
	fmt.Fprintf(w, "status:       %s\n", state.Status)
	fmt.Fprintf(w, "initialised:  %t\n", state.Initialised)
	fmt.Fprintf(w, "queued:       %d\n", state.QueuedCursor)
	fmt.Fprintf(w, "central:      %d\n", state.CentralCursor)
	if records >= 0 {
		fmt.Fprintf(w, "records:      %d\n", records)
	}
	if state.LastSuccessfulSync != nil {
		fmt.Fprintf(w, "last sync:    %s (%s ago)\n",
			state.LastSuccessfulSync.Format(time.RFC3339),
			time.Since(*state.LastSuccessfulSync).Round(time.Second))
	}
	if state.LastError != "" {
		fmt.Fprintf(w, "last error:   %s\n", state.LastError)
	}
}

// errHalted reports whether err means operator action is needed
func errHalted(err error) bool {
	return errors.Is(err, puller.ErrHalted)
}
