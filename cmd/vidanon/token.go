package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidanon/internal/auth"
)

var tokenClient string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		authenticator, err := auth.NewAuthenticator(auth.Config{
			Enabled: true,
			Secret:  cfg.Auth.JWTSecret,
			Expiry:  cfg.Auth.JWTExpiry,
		})
		if err != nil {
			return err
		}

		token, expires, err := authenticator.IssueToken(tokenClient)
		if err != nil {
			return err
		}
		logger.Printf("token for %q expires %s", tokenClient, expires.Format("2006-01-02 15:04:05"))
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClient, "client", "cli", "Client name embedded in the token")
	rootCmd.AddCommand(tokenCmd)
}
