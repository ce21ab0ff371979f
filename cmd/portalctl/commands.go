package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/api"
	"github.com/mariankugiel/patient-web-app-sub002/internal/profile"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	conversationsCmd.Flags().Bool("archived", false, "only archived conversations")
	conversationsCmd.Flags().Bool("pinned", false, "only pinned conversations")
	conversationsCmd.Flags().String("tag", "", "only conversations with this tag")
	conversationsCmd.Flags().String("type", "", "only conversations whose last message has this type")

	sendCmd.Flags().String("type", string(store.TypeGeneral), "message type")
	sendCmd.Flags().String("priority", string(store.PriorityNormal), "message priority")

	deleteCmd.Flags().String("conversation", "", "conversation holding the message")

	searchCmd.Flags().String("conversation", "", "restrict to a conversation")
	searchCmd.Flags().String("type", "", "restrict to a message type")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")

	rootCmd.AddCommand(
		startCmd, statusCmd, healthCmd, conversationsCmd, messagesCmd, selectCmd,
		sendCmd, retryCmd, discardCmd, typingCmd, pinCmd, archiveCmd, deleteCmd,
		searchCmd, unreadCmd, statsCmd, presenceCmd, refreshCmd, watchCmd,
	)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon for the profile if it is not running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := profileName()
		if err != nil {
			return err
		}
		socketPath := profile.SocketPath(name)
		if probeDaemon(socketPath) {
			fmt.Printf("Daemon for profile %q already running.\n", name)
			return nil
		}
		fmt.Fprintf(os.Stderr, "starting daemon for profile %q...\n", name)
		if err := startDaemon(name); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			return fmt.Errorf("daemon did not become ready")
		}
		fmt.Println("Daemon ready.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state and unread totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(st)
			}
			printStatus(os.Stdout, st)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gRPC health service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Println(st.String())
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, pinned first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req api.ListConversationsRequest
		flags := cmd.Flags()
		if flags.Changed("archived") {
			v, _ := flags.GetBool("archived")
			req.Archived = &v
		}
		if flags.Changed("pinned") {
			v, _ := flags.GetBool("pinned")
			req.Pinned = &v
		}
		req.Tag, _ = flags.GetString("tag")
		typ, _ := flags.GetString("type")
		req.Type = store.MessageType(typ)

		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			convs, err := c.Conversations(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(convs)
			}
			printConversations(os.Stdout, convs, time.Now())
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the loaded messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.Messages(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(reply)
			}
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			printMessages(os.Stdout, reply.Messages, reply.Typing, st.UserID, time.Now())
			return nil
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select [conversation-id]",
	Short: "Select a conversation, loading its history and marking it read",
	Long:  "Select a conversation. Without an argument the selection is cleared.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Select(ctx, id)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetString("priority")
		req := api.SendRequest{
			ConversationID: args[0],
			Content:        strings.Join(args[1:], " "),
			Type:           store.MessageType(typ),
			Priority:       store.Priority(priority),
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			msg, err := c.Send(ctx, req)
			if err != nil {
				return err
			}
			return printSent(msg)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <conversation-id> <temp-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			msg, err := c.Retry(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printSent(msg)
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <conversation-id> <temp-id>",
	Short: "Drop a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Discard(ctx, args[0], args[1])
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing",
	Short: "Report a keystroke in the selected conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Keystroke(ctx)
		})
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <conversation-id>",
	Short: "Toggle the pin of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			pinned, err := c.TogglePin(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(api.PinReply{Pinned: pinned})
			}
			if pinned {
				fmt.Println("Pinned.")
			} else {
				fmt.Println("Unpinned.")
			}
			return nil
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Archive(ctx, args[0])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.DeleteMessage(ctx, conv, args[0])
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Search messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.SearchRequest{Query: strings.Join(args, " ")}
		req.ConversationID, _ = cmd.Flags().GetString("conversation")
		typ, _ := cmd.Flags().GetString("type")
		req.Type = store.MessageType(typ)
		req.Limit, _ = cmd.Flags().GetInt("limit")

		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			reply, err := c.Search(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(reply)
			}
			printSearch(os.Stdout, reply, time.Now())
			return nil
		})
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the server unread count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			u, err := c.Unread(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(u)
			}
			printUnread(os.Stdout, u)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message statistics from the portal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			return outputJSON(stats)
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence [user-id]",
	Short: "List online users, or check one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := ""
		if len(args) == 1 {
			userID = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			online, err := c.Presence(ctx, userID)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(api.PresenceReply{Online: online})
			}
			if userID != "" {
				if len(online) > 0 {
					fmt.Printf("%s is online\n", userID)
				} else {
					fmt.Printf("%s is offline\n", userID)
				}
				return nil
			}
			for _, id := range online {
				fmt.Println(id)
			}
			return nil
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload the conversation list from the portal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Refresh(ctx)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [kind-prefix]",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		name, err := profileName()
		if err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		w, err := c.Watch(cmd.Context(), prefix)
		if err != nil {
			return describe(name, err)
		}
		for {
			evt, err := w.Recv()
			if err != nil {
				if cmd.Context().Err() != nil {
					return nil
				}
				return describe(name, err)
			}
			if jsonFlag {
				if err := outputJSON(evt); err != nil {
					return err
				}
				continue
			}
			printEvent(os.Stdout, evt)
		}
	},
}

func printSent(msg *store.Message) error {
	if jsonFlag {
		return outputJSON(api.MessageReply{Message: msg})
	}
	if msg == nil {
		fmt.Println("Nothing to send.")
		return nil
	}
	fmt.Printf("%s %s\n", msg.ID, msg.Status)
	return nil
}
