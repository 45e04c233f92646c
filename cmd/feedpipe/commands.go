package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/feedpipe/internal/debuglog"
	"github.com/pders01/feedpipe/internal/push"
	"github.com/pders01/feedpipe/internal/storage"
)

func addFeedCommands(root *cobra.Command) {
	root.AddCommand(
		subscribeCmd(),
		unsubscribeCmd(),
		updateCmd(),
		runCmd(),
		statusCmd(),
		unmuteCmd(),
		entriesCmd(),
		markCmd(),
		searchCmd(),
	)
}

// withApp opens the app for the duration of fn.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func subscribeCmd() *cobra.Command {
	var name, category string
	cmd := &cobra.Command{
		Use:   "subscribe <url>",
		Short: "Subscribe to a feed and fetch it once",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			f, err := a.manager.Subscribe(cmd.Context(), userID, category, args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed to %s (%s), %d unread\n", f.Name, f.URL, f.UnreadCount)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the feed title)")
	cmd.Flags().StringVar(&category, "category", "", "Category")
	return cmd
}

func unsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <feed-id>",
		Short: "Remove a subscription and its entries",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.manager.Unsubscribe(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := a.index.DeleteFeed(args[0]); err != nil {
				debuglog.Warnf("removing feed %s from index: %v", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed %s\n", args[0])
			return nil
		}),
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <url>",
		Short: "Fetch one feed URL now",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			state, err := a.manager.Updater().UpdateFeed(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if state == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No subscribers for %s\n", args[0])
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderState(state))
			return nil
		}),
	}
}

func runCmd() *cobra.Command {
	var listen string
	var tick time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh due feeds until interrupted",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if listen == "" {
				listen = a.cfg.Push.Listen
			}
			if listen != "" {
				mux := http.NewServeMux()
				push.NewHandler(a.manager, a.cfg).Mount(mux, a.cfg)
				srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					debuglog.Infof("push callback listening on %s", listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						debuglog.Errorf("push listener: %v", err)
						stop()
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Refreshing feeds (interval %s, workers %d)\n",
				a.cfg.Feed.RefreshInterval, a.cfg.Feed.Workers)
			return a.manager.Run(ctx, tick)
		}),
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address for the WebSub callback (overrides config)")
	cmd.Flags().DurationVar(&tick, "tick", time.Minute, "How often to look for due feeds")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show subscriptions and their fetch state",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			statuses, err := a.manager.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(statuses))
			return nil
		}),
	}
}

func unmuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmute <url>",
		Short: "Resume fetching a muted feed",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.manager.Unmute(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unmuted %s\n", args[0])
			return nil
		}),
	}
}

func entriesCmd() *cobra.Command {
	var filter storage.EntryFilter
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List entries, newest first",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			filter.UserID = userID
			entries, err := a.manager.Entries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEntries(entries))
			return nil
		}),
	}
	cmd.Flags().StringVar(&filter.FeedID, "feed", "", "Only entries of this feed ID")
	cmd.Flags().BoolVar(&filter.UnreadOnly, "unread", false, "Only unread entries")
	cmd.Flags().BoolVar(&filter.Starred, "starred", false, "Only starred entries")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "Maximum number of entries")
	return cmd
}

func markCmd() *cobra.Command {
	var unread, star, unstar bool
	cmd := &cobra.Command{
		Use:   "mark <entry-id>...",
		Short: "Mark entries read (or unread, starred, unstarred)",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			for _, id := range args {
				var err error
				switch {
				case star || unstar:
					err = a.manager.SetStarred(cmd.Context(), id, star)
				default:
					err = a.manager.MarkRead(cmd.Context(), id, !unread)
				}
				if err != nil {
					return fmt.Errorf("entry %s: %w", id, err)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "Mark unread instead of read")
	cmd.Flags().BoolVar(&star, "star", false, "Star the entries")
	cmd.Flags().BoolVar(&unstar, "unstar", false, "Unstar the entries")
	cmd.MarkFlagsMutuallyExclusive("star", "unstar")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int
	var reindex, everyone bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full text search over entries",
		Args:  cobra.ArbitraryArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if reindex {
				n, err := a.index.Reindex(cmd.Context(), a.store)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d entries\n", n)
			}
			if len(args) == 0 {
				if reindex {
					return nil
				}
				return errors.New("missing query")
			}

			user := userID
			if everyone {
				user = ""
			}
			results, err := a.index.SearchUser(user, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderResults(results))
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "Rebuild the index from storage first")
	cmd.Flags().BoolVar(&everyone, "all", false, "Search every subscriber's entries")
	return cmd
}
