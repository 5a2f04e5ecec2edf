package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/server"
	crewlinesdk "crewline/sdk/go"
)

var remote = map[string]string{"remote": "true"}

// newClient builds an API client for the running server. Without --server the address
// comes from the workspace config.
func newClient() (*crewlinesdk.Client, error) {
	cfg, _, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	base := viper.GetString("server")
	if base == "" {
		base = "http://" + cfg.Server.Addr
	}
	project := viper.GetString("project")
	if project == "" {
		project = app.DefaultProject
	}
	c := crewlinesdk.New(base, project)
	c.BasePath = cfg.Server.BasePath
	c.BearerToken = viper.GetString("token")
	return c, nil
}

func withClient(fn func(*crewlinesdk.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return fn(c)
}

func msgCmd() *cobra.Command {
	m := &cobra.Command{Use: "msg", Short: "Send and read messages (needs crew serve)"}
	m.AddCommand(msgSendCmd())
	m.AddCommand(msgInboxCmd())
	return m
}

func msgSendCmd() *cobra.Command {
	var to, content, msgType string
	cmd := &cobra.Command{
		Use:         "send",
		Short:       "Send a message; approval_request messages open an approval",
		Annotations: remote,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *crewlinesdk.Client) error {
				from := actor("")
				if from == "" {
					return fmt.Errorf("--actor is required to send a message")
				}
				msgID, threadID, err := c.SendMessage(cmd.Context(), from, to, content, msgType)
				if err != nil {
					return err
				}
				out := map[string]string{"message_id": msgID, "thread_id": threadID}
				return printJSONOrTable(out, func() { fmt.Printf("sent %s (thread %s)\n", msgID, threadID) })
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	cmd.Flags().StringVar(&msgType, "type", "", "question, answer, approval_request, approval_response or notification")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func msgInboxCmd() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:         "inbox <actor>",
		Short:       "Show an actor's inbox",
		Args:        cobra.ExactArgs(1),
		Annotations: remote,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *crewlinesdk.Client) error {
				in, err := c.Inbox(cmd.Context(), args[0], unread)
				if err != nil {
					return err
				}
				return printJSONOrTable(in, func() {
					fmt.Printf("%s: %d unread\n", in.AgentName, in.UnreadCount)
					tw := newTable("Time", "From", "Type", "Thread", "Read", "Content")
					for _, m := range in.Messages {
						tw.AppendRow(table.Row{m.Timestamp, m.FromAgent, m.MessageType, m.ThreadID, m.Read, m.Content})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread messages")
	return cmd
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{Use: "approval", Short: "List and resolve approvals (needs crew serve)"}
	a.AddCommand(approvalListCmd())
	a.AddCommand(approvalResolveCmd())
	return a
}

func approvalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "list",
		Short:       "List pending approvals, optionally only those addressed to --actor",
		Annotations: remote,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *crewlinesdk.Client) error {
				pending, err := c.PendingApprovals(cmd.Context(), actor(""))
				if err != nil {
					return err
				}
				return printJSONOrTable(pending, func() {
					tw := newTable("ID", "From", "To", "Description")
					for _, a := range pending {
						tw.AppendRow(table.Row{a.ID, a.FromAgent, a.ToAgent, a.Description})
					}
					tw.Render()
				})
			})
		},
	}
}

func approvalResolveCmd() *cobra.Command {
	var approve, reject bool
	var notes string
	cmd := &cobra.Command{
		Use:         "resolve <approval-id>",
		Short:       "Approve or reject a pending request",
		Args:        cobra.ExactArgs(1),
		Annotations: remote,
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("pass exactly one of --approve or --reject")
			}
			return withClient(func(c *crewlinesdk.Client) error {
				a, err := c.ResolveApproval(cmd.Context(), args[0], approve, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, func() { fmt.Printf("%s %s\n", a.ID, a.Status) })
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the request")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the request")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func eventsCmd() *cobra.Command {
	e := &cobra.Command{Use: "events", Short: "Read the event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				evts, err := rt.Events.After(ctx, project, 0, 0, evtType)
				if err != nil {
					return err
				}
				if n > 0 && len(evts) > n {
					evts = evts[len(evts)-n:]
				}
				return printJSONOrTable(evts, func() {
					tw := newTable("ID", "Time", "Type", "Entity", "Actor")
					for _, e := range evts {
						tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	e.AddCommand(tail)
	return e
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage API tokens"}
	var ttl time.Duration
	var secret string
	issue := &cobra.Command{
		Use:   "issue <actor>",
		Short: "Issue a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, _, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no jwt secret: set server.jwt_secret or pass --secret")
			}
			tok, err := server.IssueToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	issue.Flags().StringVar(&secret, "secret", "", "signing secret (default from config)")
	t.AddCommand(issue)
	return t
}
