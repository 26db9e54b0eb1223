package cli

import (
	"github.com/spf13/cobra"

	"convodb/pkg/convindex"
	"convodb/pkg/messagelog"
	"convodb/pkg/models"
)

func newMessagesCmd(g *globalOpts) *cobra.Command {
	var (
		limit    int
		beforeTS int64
		beforeID string
	)
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print a conversation's messages, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			log := messagelog.New(b, messagelog.Options{})
			var page *models.MessagePage
			if cmd.Flags().Changed("before-ts") {
				page, err = log.FetchBefore(ctx, args[0], models.MessageCursor{Timestamp: beforeTS, MessageID: beforeID}, limit)
			} else {
				page, err = log.FetchRecent(ctx, args[0], limit)
			}
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum messages to print")
	cmd.Flags().Int64Var(&beforeTS, "before-ts", 0, "only messages strictly older than this unix ms timestamp")
	cmd.Flags().StringVar(&beforeID, "before-id", "", "message id paired with --before-ts")
	return cmd
}

func newInboxCmd(g *globalOpts) *cobra.Command {
	var (
		limit int
		stats bool
	)
	cmd := &cobra.Command{
		Use:   "inbox <user-id>",
		Short: "Print a user's conversations, most recently active first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			ix := convindex.New(b, convindex.Options{})
			page, err := ix.FetchConversations(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if !stats {
				return g.print(cmd.OutOrStdout(), page)
			}
			st, err := ix.Compact(ctx, args[0], true)
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), inboxStats{
				Conversations: page.Conversations,
				HasMore:       page.HasMore,
				Rows:          st.Scanned,
				Superseded:    st.Superseded,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum conversations to print")
	cmd.Flags().BoolVar(&stats, "stats", false, "also count stored and superseded rows")
	return cmd
}

type inboxStats struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	HasMore       bool                         `json:"has_more"`
	Rows          int                          `json:"rows"`
	Superseded    int                          `json:"superseded"`
}
