package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mgrattan/permitsync/internal/daemon"
	"github.com/mgrattan/permitsync/internal/server"
	"github.com/mgrattan/permitsync/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the sync HTTP server.

Endpoints:
  POST /v1/state/{tenant}/apply      merge a change set
  POST /v1/state/{tenant}/snapshot   full-replace import
  GET  /v1/state/{tenant}            stored snapshot (?live=1 for table view)
  GET  /v1/ws                        revision broadcast WebSocket
  GET  /healthz                      liveness probe

When inbox_dir is configured, the import daemon also runs in-process and
watches that directory for legacy bundle exports.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := store.Open(cfg.DBPath, &store.Options{
			Retention: cfg.Retention(),
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		addr := cfg.ListenAddr
		if serveAddr != "" {
			addr = serveAddr
		}

		srv := server.New(st, &server.Config{
			Addr:      addr,
			AuthToken: cfg.AuthToken,
			Logger:    logger,
		})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}

		var importer *daemon.Importer
		if cfg.InboxDir != "" {
			importer, err = daemon.NewImporter(st, cfg.Tenant, cfg.InboxDir, logger)
			if err == nil {
				err = importer.Start()
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error starting import daemon: %v\n", err)
				_ = srv.Stop()
				os.Exit(1)
			}
		}

		fmt.Printf("Sync server listening on %s (db: %s)\n", srv.Addr(), cfg.DBPath)
		if cfg.AuthToken == "" {
			fmt.Println("Warning: no auth token configured, server is open")
		}
		if importer != nil {
			fmt.Printf("Import daemon watching %s\n", cfg.InboxDir)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if importer != nil {
			if err := importer.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping import daemon: %v\n", err)
			}
		}
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}
