package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/coview/api"
	"github.com/gosuda/coview/conversation"
	"github.com/gosuda/coview/credential"
	"github.com/gosuda/coview/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Open a conversation in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var flagBaseURL string

func init() {
	watchCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "backend base URL (env COVIEW_BASE_URL)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagBaseURL != "" {
		cfg.Client.BaseURL = flagBaseURL
	}

	store, err := credential.DefaultStore(cfg.Client.Profile)
	if err != nil {
		return err
	}
	session, err := store.Load()
	if errors.Is(err, credential.ErrNoSession) {
		return fmt.Errorf("profile %q: %w (run `coview login` first)", cfg.Client.Profile, err)
	}
	if err != nil {
		return err
	}

	// The terminal belongs to the UI; logs go to a file.
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(store.Dir, "coview.log")
	}
	closer, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer closer.Close()

	endpoint := api.Endpoint{BaseURL: cfg.Client.BaseURL}
	notify := tui.NewNotifier()
	ctl := conversation.New(conversation.Options{
		ConversationID: args[0],
		Endpoint:       endpoint,
		Token:          session.Token,
		History:        api.NewClient(endpoint, session.Token),
		Retry:          cfg.Client.Retry,
		WriteTimeout:   cfg.Client.WriteTimeout,
		OnChange:       notify.Notify,
	})
	defer ctl.Close()

	if err := ctl.Open(ctx); err != nil {
		return err
	}
	log.Info().Str("conversation", args[0]).Str("user", session.Username).Msg("[watch] opened")

	maxAttempts := cfg.Client.Retry.MaxAttempts
	p := tea.NewProgram(tui.New(ctl, notify, maxAttempts), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
