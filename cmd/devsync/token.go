package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/realtime"
)

var tokenCmd = &cobra.Command{
	Use:     "token <device-id>",
	GroupID: "tools",
	Short:   "Issue a device token for register_device",
	Long: `Issue a signed device token using auth.jwt_secret.

Only needed when the server runs with auth.jwt_secret set; devices then pass
the token in their register_device message.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, _, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		verifier := realtime.NewTokenVerifier(cfg.Auth.JWTSecret)
		if verifier == nil {
			return errors.New("auth.jwt_secret is not set")
		}

		token, err := verifier.Issue(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (0 = no expiry)")
	rootCmd.AddCommand(tokenCmd)
}
