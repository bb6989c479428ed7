package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gosuda/coview/credential"
	"github.com/gosuda/coview/devserver"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the session used by watch",
	RunE:  runLogin,
}

var (
	flagToken    string
	flagUsername string
	flagUserID   int64
	flagLogout   bool
	flagSecret   string
)

func init() {
	flags := loginCmd.Flags()
	flags.StringVar(&flagToken, "token", "", "session token (defaults to <user-id>:<username> for the dev server)")
	flags.StringVar(&flagUsername, "username", "", "display name")
	flags.Int64Var(&flagUserID, "user-id", 0, "numeric user id")
	flags.BoolVar(&flagLogout, "logout", false, "remove the stored session instead")
	flags.StringVar(&flagSecret, "jwt-secret", "", "sign a token with the server's secret instead of using a dev token (env COVIEW_JWT_SECRET)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := credential.DefaultStore(cfg.Client.Profile)
	if err != nil {
		return err
	}
	if flagLogout {
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged out of profile %q\n", cfg.Client.Profile)
		return nil
	}

	if flagUsername == "" || flagUserID <= 0 {
		return errors.New("--username and a positive --user-id are required")
	}
	token := flagToken
	switch {
	case token != "":
	case flagSecret != "":
		token, err = devserver.NewAuthenticator(flagSecret, 0).Issue(flagUserID, flagUsername)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
	default:
		token = strconv.FormatInt(flagUserID, 10) + ":" + flagUsername
	}
	if err := store.Save(credential.Session{Token: token, Username: flagUsername, UserID: flagUserID}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (profile %q)\n", flagUsername, cfg.Client.Profile)
	return nil
}
