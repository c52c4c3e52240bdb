package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/npezzotti/opsdesk/internal/inbox"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func NewInboxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Work with the locally cached mailbox",
	}

	cmd.AddCommand(newInboxSyncCommand(opts))
	cmd.AddCommand(newInboxListCommand(opts))
	cmd.AddCommand(newInboxActionCommand(opts, "read", "Mark an item read", func(ctx context.Context, s *inbox.Syncer, id string) error {
		_, err := s.MarkRead(ctx, id)
		return err
	}))
	cmd.AddCommand(newInboxActionCommand(opts, "star", "Toggle an item's star", func(ctx context.Context, s *inbox.Syncer, id string) error {
		_, err := s.ToggleStar(ctx, id)
		return err
	}))
	cmd.AddCommand(newInboxActionCommand(opts, "delete", "Delete an item", func(ctx context.Context, s *inbox.Syncer, id string) error {
		return s.Delete(ctx, id)
	}))

	return cmd
}

// newStore picks redis when an address is configured, the cache directory
// otherwise.
func newStore(cfg config.SyncConfig) (inbox.Store, func() error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return inbox.NewRedisStore(rdb, cfg.RedisNamespace), rdb.Close
	}
	return inbox.NewFileStore(cfg.CacheDir), func() error { return nil }
}

func openInbox(ctx context.Context, logger *log.Logger, cfg config.SyncConfig) (*inbox.Syncer, func(), error) {
	if cfg.InboxURL == "" {
		return nil, nil, errors.New("inbox url is required (OPSDESK_INBOX_URL)")
	}

	store, closeStore := newStore(cfg)
	cache := inbox.NewCache(store)
	if err := cache.Load(ctx); err != nil {
		logger.Printf("load inbox cache: %v", err)
	}

	syncOpts := []inbox.SyncerOption{
		inbox.WithFetchTimeout(cfg.FetchTimeout),
		inbox.WithStaleAfter(cfg.StaleAfter),
		inbox.WithPollInterval(cfg.PollInterval),
	}
	if cfg.AMQPURL != "" {
		syncOpts = append(syncOpts, inbox.WithPush(inbox.NewAMQPPush(logger, cfg.AMQPURL, cfg.AMQPQueue)))
	}

	mailbox := inbox.NewHTTPMailbox(cfg.InboxURL, cfg.InboxToken, cfg.FetchTimeout)
	s := inbox.NewSyncer(logger, cache, mailbox, syncOpts...)

	cleanup := func() {
		s.Wait()
		if err := closeStore(); err != nil {
			logger.Printf("close inbox store: %v", err)
		}
	}
	return s, cleanup, nil
}

func printItems(w io.Writer, items []inbox.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "inbox is empty")
		return
	}
	for _, it := range items {
		flags := []byte("  ")
		if !it.IsRead {
			flags[0] = '*'
		}
		if it.IsStarred {
			flags[1] = '+'
		}
		fmt.Fprintf(w, "%s %s  %-16s %-24s %s\n", flags, it.ID, it.Timestamp.Local().Format(time.DateTime), it.From, it.Subject)
	}
}

func newInboxSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "sync",
		Short:        "Keep the cache current by polling and consuming pushes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger(cmd)
			s, cleanup, err := openInbox(ctx, logger, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			logger.Printf("syncing %s every %s", cfg.InboxURL, cfg.PollInterval)
			return s.Run(ctx)
		},
	}
}

func newInboxListCommand(opts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List cached items, refetching when the cache is stale",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			s, cleanup, err := openInbox(cmd.Context(), opts.logger(cmd), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if refresh {
				if _, err := s.Poll(cmd.Context()); err != nil {
					return err
				}
			}
			snap, err := s.Read(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), snap, func(w io.Writer) { printItems(w, snap.Items) })
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch from the provider even when the cache is fresh")
	return cmd
}

func newInboxActionCommand(opts *RootOptions, use, short string, action func(context.Context, *inbox.Syncer, string) error) *cobra.Command {
	return &cobra.Command{
		Use:          use + " ITEM_ID",
		Short:        short,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			s, cleanup, err := openInbox(cmd.Context(), opts.logger(cmd), cfg)
			if err != nil {
				return err
			}
			// waits for the provider call started by the action
			defer cleanup()

			return action(cmd.Context(), s, args[0])
		},
	}
}
