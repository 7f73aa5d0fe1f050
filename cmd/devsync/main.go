package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/config"
	"github.com/mschirtzinger/devsync/internal/logging"
	"github.com/mschirtzinger/devsync/internal/service"
	"github.com/mschirtzinger/devsync/internal/ui"
)

var (
	cfgFile  string
	dbPath   string
	logLevel string
	noColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "devsync",
	Short: "Real-time record sync across devices",
	Long: `devsync keeps JSON records consistent across many devices.

Writes go through optimistic concurrency control; concurrent best-effort
writes from different devices are recorded as conflicts and settled with
last-write-wins. Every committed change is audited and pushed to the other
connected devices over WebSocket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(os.Stdout, noColor)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "tools", Title: "Tools:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.StringVar(&dbPath, "db", "", "database path (overrides store.path)")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration from the config file, environment and
// the flags of cmd.
func loadConfig(cmd *cobra.Command, bind map[string]string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)

	bindings := map[string]string{
		"store.path": "db",
		"log.level":  "log-level",
	}
	for key, name := range bind {
		bindings[key] = name
	}
	for key, name := range bindings {
		flag := cmd.Flag(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := loader.BindFlag(key, flag); err != nil {
			return nil, nil, err
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// openService loads config and builds the service without starting it,
// for commands that only need the store-backed pipeline.
func openService(cmd *cobra.Command) (*service.Service, io.Closer, error) {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(cfg, nil, logger)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return svc, closer, nil
}
