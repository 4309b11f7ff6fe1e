package cli

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/loomchat/loom/pkg/config"
	"github.com/loomchat/loom/pkg/store"
)

func newConversationsCmd(log logr.Logger, root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Manage stored conversations",
	}

	cmd.AddCommand(newConversationsListCmd(root))
	cmd.AddCommand(newConversationsDeleteCmd(root))

	return cmd
}

func newConversationsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(root)
			if err != nil {
				return err
			}

			conversations, err := st.ListConversations(cmd.Context())
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Title", "Pinned", "Updated"})
			for _, conv := range conversations {
				t.AppendRow(table.Row{
					conv.ID,
					conv.Title,
					conv.Pinned,
					conv.UpdatedAt.Format("2006-01-02 15:04"),
				})
			}
			t.Render()
			return nil
		},
	}
}

func newConversationsDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [conversation-id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(root)
			if err != nil {
				return err
			}
			return st.DeleteConversation(cmd.Context(), args[0])
		},
	}
}

func openStore(root *rootOptions) (store.Store, error) {
	appCfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{Dialect: appCfg.Store.Dialect, DSN: appCfg.Store.DSN})
}
