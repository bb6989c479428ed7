package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gosuda/coview/api"
	"github.com/gosuda/coview/credential"
)

var titleCmd = &cobra.Command{
	Use:   "title <conversation-id> <title>",
	Short: "Rename a conversation for everyone watching it",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTitle,
}

func init() {
	titleCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "backend base URL (env COVIEW_BASE_URL)")
}

func runTitle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagBaseURL != "" {
		cfg.Client.BaseURL = flagBaseURL
	}
	title := strings.TrimSpace(strings.Join(args[1:], " "))
	if title == "" {
		return errors.New("title must not be empty")
	}

	store, err := credential.DefaultStore(cfg.Client.Profile)
	if err != nil {
		return err
	}
	session, err := store.Load()
	if err != nil {
		return fmt.Errorf("profile %q: %w", cfg.Client.Profile, err)
	}

	client := api.NewClient(api.Endpoint{BaseURL: cfg.Client.BaseURL}, session.Token)
	if err := client.SetTitle(cmd.Context(), args[0], title); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %q\n", args[0], title)
	return nil
}
