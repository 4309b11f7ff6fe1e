package cli

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/metrics"
	"github.com/loomchat/loom/internal/tui"
	"github.com/loomchat/loom/pkg/agent"
	apperrors "github.com/loomchat/loom/pkg/app/errors"
	"github.com/loomchat/loom/pkg/auth"
	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/config"
	"github.com/loomchat/loom/pkg/runtime/approval"
	"github.com/loomchat/loom/pkg/runtime/cache"
	"github.com/loomchat/loom/pkg/runtime/scheduler"
	"github.com/loomchat/loom/pkg/runtime/session"
	"github.com/loomchat/loom/pkg/store"
)

// ChatConfig holds configuration for the chat command.
type ChatConfig struct {
	ConversationID string
	Title          string
	Local          bool
	AutoApprove    bool
}

func newChatCmd(log logr.Logger, root *rootOptions) *cobra.Command {
	cfg := &ChatConfig{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat TUI",
		Long: `Open an interactive chat session against the configured agent engine.

Examples:
  loom chat
  loom chat --conversation 2f7c…
  loom chat --local --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), log, root, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.ConversationID, "conversation", "", "Resume an existing conversation by id")
	cmd.Flags().StringVar(&cfg.Title, "title", session.DefaultTitle, "Title for a new conversation")
	cmd.Flags().BoolVar(&cfg.Local, "local", false, "Use the in-memory store instead of the database")
	cmd.Flags().BoolVar(&cfg.AutoApprove, "auto-approve", false, "Auto-approve tool requests not requiring manual review")

	return cmd
}

func runChat(ctx context.Context, log logr.Logger, root *rootOptions, cfg *ChatConfig) error {
	appCfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.Local {
		st = store.NewMemoryStore()
	} else {
		st, err = store.Open(store.Config{Dialect: appCfg.Store.Dialect, DSN: appCfg.Store.DSN})
		if err != nil {
			return err
		}
	}

	tokens := auth.NewTokenService(appCfg.Engine.Token, appCfg.Engine.TokenPath, log)
	if err := tokens.Start(ctx); err != nil {
		return err
	}
	defer tokens.Stop()

	bus := agent.NewBus(log)
	engine := agent.NewHTTPEngine(appCfg.Engine.BaseURL, tokens.GetToken, bus, log)
	msgCache := cache.New(st, log)
	runtimeMetrics := metrics.NewRuntime()

	flush := session.Flusher(msgCache)
	sched := scheduler.New(appCfg.Runtime.FrameInterval, func(conversationID string, d scheduler.Delta) {
		runtimeMetrics.FlushApplied()
		flush(conversationID, d)
	})

	approvals := approval.New(engine.Respond, log)
	approvals.SetAutoApprove(appCfg.Runtime.AutoApprove || cfg.AutoApprove)
	approvals.SetOnOutcome(runtimeMetrics.ApprovalOutcome)

	conv, err := resolveConversation(ctx, st, cfg)
	if err != nil {
		return err
	}

	// The UI is created after the manager; notify/focus close over the
	// variable so the boundary binds late.
	var ui *tui.UI
	notify := func(conversationID, title, body string) {
		runtimeMetrics.NotificationSent()
		if ui != nil {
			ui.Notify(conversationID, title, body)
		}
	}
	focus := func() (string, bool) {
		if ui != nil {
			return ui.Focus()
		}
		return "", false
	}

	manager := session.NewManager(session.Options{
		Bus:           bus,
		Engine:        engine,
		Store:         st,
		Cache:         msgCache,
		Scheduler:     sched,
		Approvals:     approvals,
		Notify:        notify,
		Focus:         focus,
		AdvancedModes: appCfg.Runtime.AdvancedModes,
		Observer:      runtimeMetrics,
		Log:           log,
	})

	if _, err := msgCache.SetActive(ctx, conv.ID); err != nil {
		return err
	}

	if appCfg.Metrics.Enabled {
		server := runtimeMetrics.Server(appCfg.Metrics.Addr, log)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				log.Error(err, "metrics server stopped")
			}
		}()
		defer server.Shutdown(context.Background())
	}

	ui = tui.New(tui.Options{
		Cache:          msgCache,
		Approvals:      approvals,
		Manager:        manager,
		ConversationID: conv.ID,
		Title:          conv.Title,
		Log:            log,
	})

	runErr := ui.Run()
	if err := manager.Shutdown(); err != nil {
		log.Error(err, "session shutdown")
	}
	return runErr
}

func resolveConversation(ctx context.Context, st store.Store, cfg *ChatConfig) (*chat.Conversation, error) {
	if cfg.ConversationID != "" {
		conv, err := st.GetConversation(ctx, cfg.ConversationID)
		if apperrors.HasCode(err, apperrors.ErrCodeConversationNotFound) {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
				fmt.Sprintf("no conversation with id %s, run 'loom conversations list'", cfg.ConversationID), err)
		}
		return conv, err
	}

	conv := chat.NewConversation(cfg.Title, chat.Settings{ToolsEnabled: true})
	if err := st.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
