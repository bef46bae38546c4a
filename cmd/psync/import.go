package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mgrattan/permitsync/internal/daemon"
	"github.com/mgrattan/permitsync/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <export.json>",
	Short: "Import a legacy bundle export",
	Long: `Import a legacy single-blob export file as a full-replace snapshot.

The export becomes the authoritative dataset for the tenant at the next
revision. This is the one-shot version of the inbox daemon: the file is
imported in place and not moved.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]

		st, err := store.Open(cfg.DBPath, &store.Options{
			Retention: cfg.Retention(),
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		importer, err := daemon.NewImporter(st, cfg.Tenant, filepath.Dir(path), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		if err := importer.ImportFile(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error importing %s: %v\n", path, err)
			os.Exit(1)
		}

		snap, err := st.FetchSnapshot(ctx, cfg.Tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading back state: %v\n", err)
			os.Exit(1)
		}
		counts := snap.Mirror.Counts()
		fmt.Printf("Imported %s at revision %d\n", filepath.Base(path), snap.Revision)
		fmt.Printf("   Contacts: %d  Jurisdictions: %d  Properties: %d  Permits: %d  Templates: %d\n",
			counts["contacts"], counts["jurisdictions"], counts["properties"], counts["permits"], counts["documentTemplates"])
	},
}
