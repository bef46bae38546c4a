package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mgrattan/permitsync/internal/store"
)

var sweepOlderThan string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired tombstones",
	Long: `Remove tombstones whose deletion is older than the retention window.

The server already sweeps opportunistically on write traffic; this command
exists for quiet deployments and for one-off cleanups with a custom cutoff.

The --older-than flag accepts an RFC3339 timestamp or a natural phrase:

  psync sweep
  psync sweep --older-than 2026-06-01T00:00:00Z
  psync sweep --older-than "90 days ago"`,
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

		var cutoff time.Time
		if sweepOlderThan != "" {
			cutoff, err = parseCutoff(sweepOlderThan)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		removed, err := st.SweepTombstones(context.Background(), cfg.Tenant, cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sweeping tombstones: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %d expired tombstones\n", removed)
	},
}

// parseCutoff accepts either an RFC3339 timestamp or a natural-language
// phrase like "90 days ago".
func parseCutoff(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil || result == nil {
		return time.Time{}, fmt.Errorf("could not parse cutoff %q (use RFC3339 or e.g. \"90 days ago\")", s)
	}
	return result.Time.UTC(), nil
}

func init() {
	sweepCmd.Flags().StringVar(&sweepOlderThan, "older-than", "", "cutoff timestamp or natural phrase (default: retention window)")
}
