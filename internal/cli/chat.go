package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/npezzotti/opsdesk/internal/chatsync"
	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/npezzotti/opsdesk/internal/types"
	"github.com/spf13/cobra"
)

func NewChatCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Use the chat as the configured user",
	}

	cmd.AddCommand(newChatRoomsCommand(opts))
	cmd.AddCommand(newChatMessagesCommand(opts))
	cmd.AddCommand(newChatSendCommand(opts))
	cmd.AddCommand(newChatDirectCommand(opts))
	cmd.AddCommand(newChatWatchCommand(opts))

	return cmd
}

// signIn logs in with the configured credentials and returns a session
// backed by a fresh view cache.
func signIn(ctx context.Context, cfg config.SyncConfig) (*chatsync.APIClient, *chatsync.Session, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, nil, errors.New("email and password are required (OPSDESK_EMAIL, OPSDESK_PASSWORD)")
	}

	client, err := chatsync.NewAPIClient(cfg.ServerURL, chatsync.DefaultTimeout)
	if err != nil {
		return nil, nil, err
	}
	user, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("login: %w", err)
	}

	return client, chatsync.NewSession(client, chatsync.NewViewCache(), user), nil
}

func printRooms(w io.Writer, rooms []types.Room) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "no rooms")
		return
	}
	for _, r := range rooms {
		name := r.Name
		if name == "" {
			name = string(r.Kind)
		}
		fmt.Fprintf(w, "%s\t%-24s\tunread=%d\t%s\n", r.Id, name, r.UnreadCount, r.LastActivityPreview)
	}
}

func printMessages(w io.Writer, msgs []types.Message) {
	for _, m := range msgs {
		edited := ""
		if m.EditedAt != nil {
			edited = " (edited)"
		}
		fmt.Fprintf(w, "%s  %-12s %s%s\n", m.CreatedAt.Local().Format(time.Kitchen), m.Sender.Username, m.Body, edited)
	}
}

func newChatRoomsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "rooms",
		Short:        "List the rooms you participate in",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, s, err := signIn(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			rooms, err := s.Rooms(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), rooms, func(w io.Writer) { printRooms(w, rooms) })
		},
	}
}

func newChatMessagesCommand(opts *RootOptions) *cobra.Command {
	var markRead bool

	cmd := &cobra.Command{
		Use:          "messages ROOM_ID",
		Short:        "Show a room's history",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, s, err := signIn(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			msgs, err := s.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if markRead && len(msgs) > 0 {
				ids := make([]string, 0, len(msgs))
				for _, m := range msgs {
					ids = append(ids, m.Id)
				}
				if err := s.MarkRead(cmd.Context(), args[0], ids); err != nil {
					return err
				}
			}
			return opts.print(cmd.OutOrStdout(), msgs, func(w io.Writer) { printMessages(w, msgs) })
		},
	}

	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark the shown messages as read")
	return cmd
}

func newChatSendCommand(opts *RootOptions) *cobra.Command {
	var replyTo string

	cmd := &cobra.Command{
		Use:          "send ROOM_ID MESSAGE",
		Short:        "Send a text message",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, s, err := signIn(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			msg, err := s.Send(cmd.Context(), args[0], chatsync.SendRequest{
				Body:    args[1],
				Kind:    types.MessageKindText,
				ReplyTo: replyTo,
			})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), msg, func(w io.Writer) { fmt.Fprintln(w, msg.Id) })
		},
	}

	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")
	return cmd
}

func newChatDirectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "direct USER_ID",
		Short:        "Open the direct room shared with a user",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, s, err := signIn(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			roomID, err := s.OpenDirect(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{"room_id": roomID}, func(w io.Writer) { fmt.Fprintln(w, roomID) })
		},
	}
}

func newChatWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "watch",
		Short:        "Follow the room list as it changes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, s, err := signIn(ctx, cfg)
			if err != nil {
				return err
			}
			logger := opts.logger(cmd)

			refresh := make(chan struct{}, 1)
			s.Cache().OnInvalidate(func(v chatsync.View) {
				if !v.IsRoomList() {
					return
				}
				select {
				case refresh <- struct{}{}:
				default:
				}
			})

			sub := chatsync.NewSubscriber(logger, chatsync.NewWSTransport(client.FeedURL(), client.Jar()), s.Cache(),
				chatsync.WithStateHook(func(st chatsync.State) { logger.Printf("feed %s", st) }),
			)
			go sub.Run(ctx)

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-refresh:
				}

				rooms, err := s.Rooms(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Printf("refresh rooms: %v", err)
					continue
				}
				if err := opts.print(out, rooms, func(w io.Writer) {
					fmt.Fprintf(w, "-- %s\n", time.Now().Format(time.TimeOnly))
					printRooms(w, rooms)
				}); err != nil {
					return err
				}
			}
		},
	}
}
