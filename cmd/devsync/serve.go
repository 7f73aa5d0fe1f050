package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/logging"
	"github.com/mschirtzinger/devsync/internal/service"
	"github.com/mschirtzinger/devsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Start the sync server",
	Long: `Start the HTTP and WebSocket sync server.

REST endpoints:
  POST   /records               create a record
  GET    /records/{id}          read a record
  PATCH  /records/{id}          update (expectedVersion or lastSeenVersion)
  DELETE /records/{id}          soft delete (?expectedVersion=N)
  GET    /conflicts             unresolved conflicts
  POST   /conflicts/{id}/resolve
  GET    /sync-log?since=RFC3339
  GET    /health

WebSocket clients connect to /ws and negotiate the devsync.json or
devsync.msgpack subprotocol. Every device except the writer receives a
data_sync message for each committed change.

The config file, if given, is watched and rate limits are reloaded when it
changes.

Example usage:
  devsync serve                        # listen on 127.0.0.1:8080
  devsync serve --addr :9000 --db /var/lib/devsync.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig(cmd, map[string]string{"server.addr": "addr"})
		if err != nil {
			return err
		}
		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()

		if loader.File() == "" {
			loader = nil
		}
		svc, err := service.New(cfg, loader, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := svc.Start(ctx); err != nil {
			_ = svc.Stop()
			return err
		}

		fmt.Printf("%s devsync listening on http://%s\n", ui.RenderPass("✓"), svc.Addr())
		fmt.Printf("   WebSocket: ws://%s/ws\n", svc.Addr())
		fmt.Printf("   Database:  %s\n", cfg.Store.Path)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		if err := svc.Stop(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
