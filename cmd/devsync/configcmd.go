package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "tools",
	Short:   "Show the effective configuration",
	Long: `Print the configuration after applying defaults, the config file,
DEVSYNC_* environment variables and flags.

The output is a valid config file, so it can seed a new one:
  devsync config > devsync.yaml
  devsync config --format toml > devsync.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")

		cfg, _, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		out, err := config.Render(cfg, format, showSecrets)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	configCmd.Flags().String("format", "yaml", "output format: yaml, toml or json")
	configCmd.Flags().Bool("show-secrets", false, "print auth.jwt_secret instead of redacting it")
	rootCmd.AddCommand(configCmd)
}
