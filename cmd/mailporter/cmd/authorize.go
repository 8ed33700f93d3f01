package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailporter/mailporter/internal/oauth"
)

var headless bool

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Run the OAuth consent flow for the Gmail account",
	Long: `Authorize mailporter to read the Gmail account.

Opens a browser for the Google consent screen and caches the resulting
token next to the credentials file. Use --headless on machines without
a browser; you will be given a URL and a code to enter on another
device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := oauth.NewManager(cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile, logger)
		if err != nil {
			return err
		}

		if mgr.HasToken() {
			fmt.Printf("Replacing existing token at %s\n", mgr.TokenPath())
		}
		if err := mgr.Authorize(cmd.Context(), headless); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}

		fmt.Printf("Token saved to %s\n", mgr.TokenPath())
		return nil
	},
}

func init() {
	authorizeCmd.Flags().BoolVar(&headless, "headless", false, "use the device code flow instead of a browser")
	rootCmd.AddCommand(authorizeCmd)
}
