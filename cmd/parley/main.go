// parley is a terminal client for a conversational assistant. The session
// engine in internal/chat survives interruption mid-request: state is
// persisted before every network call and reconciled on every start.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"parley/cmd/parley/ui"
	"parley/internal/assistant"
	"parley/internal/chat"
	"parley/internal/config"
	"parley/internal/identity"
	"parley/internal/kvstore"
	"parley/internal/logging"
)

var version = "dev"

var (
	configPath   string
	verbose      bool
	storeBackend string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley - conversational assistant client",
	Long: `parley is a terminal client for a conversational assistant service.

Conversations are persisted locally and survive interruption: a request cut
off by a crash or close is resumed the next time parley starts.

Run without arguments to open the interactive chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if storeBackend != "" {
			cfg.Store.Backend = storeBackend
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		logger, err = logging.New(verbose || cfg.Debug)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the persisted conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		who := identity.Resolve(cfg.Identity)
		logKey, _ := chat.StorageKeys(who)
		raw, ok, err := store.Get(logKey)
		if err != nil {
			return fmt.Errorf("failed to read conversation: %w", err)
		}
		if !ok {
			fmt.Printf("No conversation stored for %s.\n", who)
			return nil
		}
		var messages []chat.ConversationMessage
		if err := json.Unmarshal([]byte(raw), &messages); err != nil {
			return fmt.Errorf("stored conversation for %s is unreadable: %w", who, err)
		}
		for _, m := range messages {
			label := "assistant"
			if m.Role == chat.RoleUser {
				label = who
			}
			suffix := ""
			if m.Status != chat.StatusReady {
				suffix = fmt.Sprintf(" [%s]", m.Status)
			}
			fmt.Printf("%s%s: %s\n", label, suffix, m.Content)
		}
		return nil
	},
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the persisted conversation and any pending-request marker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("refusing to delete without --yes")
		}
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		who := identity.Resolve(cfg.Identity)
		logKey, markerKey := chat.StorageKeys(who)
		for _, key := range []string{logKey, markerKey} {
			if err := store.Remove(key); err != nil {
				return err
			}
		}
		fmt.Printf("Conversation for %s deleted.\n", who)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the parley version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("parley", version)
	},
}

// openStore builds the configured persistence backend. cleanup releases any
// backend resources (database handle, file watcher).
func openStore() (kvstore.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return kvstore.NewMemory(), func() {}, nil
	case "sqlite":
		db, err := kvstore.NewSQLite(filepath.Join(cfg.Store.Path, "parley.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		fs, err := kvstore.NewFile(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	}
}

func runChat() error {
	store, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	timeout, err := cfg.AssistantTimeout()
	if err != nil {
		return err
	}
	debounce, err := cfg.ResumeDebounce()
	if err != nil {
		return err
	}

	client := assistant.NewHTTPClient(cfg.Assistant.Endpoint,
		assistant.WithTimeout(timeout),
		assistant.WithLogger(logger))

	who := identity.Resolve(cfg.Identity)
	session, err := chat.New(chat.Options{
		Client:         client,
		Store:          store,
		Identity:       who,
		MaxHistory:     cfg.Session.MaxHistory,
		ContextWindow:  cfg.Session.ContextWindow,
		ResumeDebounce: debounce,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	program := tea.NewProgram(ui.New(session, who), tea.WithAltScreen())

	// Every observable change re-renders the conversation.
	session.SetOnChange(func() {
		program.Send(ui.SessionChangedMsg{})
	})

	// File-backed stores can change under us (another process writing the
	// same conversation); reconcile on every observable change.
	if fs, ok := store.(*kvstore.File); ok {
		if err := fs.Watch(func(key string) {
			session.Reconcile()
		}); err != nil {
			logger.Warn("store watch unavailable", zap.Error(err))
		}
	}

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("chat interface failed: %w", err)
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parley.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "", "storage backend: file, sqlite, or memory")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm deletion")

	rootCmd.AddCommand(chatCmd, historyCmd, resetCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
