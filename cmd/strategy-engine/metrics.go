// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <topic>",
	Short: "Show outcome metrics over the most recent episodes",
	Long: `Metrics aggregates the most recent finished episodes of a topic: mean
save rate, mean follow-up count, and failure rate. --version restricts the
window to one strategy version.`,
	Args: cobra.ExactArgs(1),
	RunE: runMetrics,
}

func runMetrics(cmd *cobra.Command, args []string) error {
	window, _ := cmd.Flags().GetInt("window")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	var version *int
	if cmd.Flags().Changed("version") {
		v, _ := cmd.Flags().GetInt("version")
		version = &v
	}
	if window <= 0 {
		window = rt.cfg.WindowSize
	}

	snap, err := rt.agg.CalculateMetrics(context.Background(), args[0], version, window)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, snap)
	}

	fmt.Fprintf(os.Stdout, "Topic:          %s\n", snap.TopicID)
	fmt.Fprintf(os.Stdout, "Version:        %s\n", versionString(snap.Version))
	fmt.Fprintf(os.Stdout, "Episodes:       %d (window %d)\n", snap.EpisodeCount, snap.WindowSize)
	fmt.Fprintf(os.Stdout, "Save rate:      %.2f (%d/%d sources)\n", snap.AvgSaveRate, snap.SourcesSaved, snap.SourcesReturned)
	fmt.Fprintf(os.Stdout, "Follow-ups:     %.1f\n", snap.AvgFollowupCount)
	fmt.Fprintf(os.Stdout, "Failure rate:   %.2f\n", snap.FailureRate)
	return nil
}

func init() {
	metricsCmd.Flags().Int("version", 0, "restrict to one strategy version")
	metricsCmd.Flags().Int("window", 0, "number of recent episodes (default: window_size from config)")
	metricsCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(metricsCmd)
}
