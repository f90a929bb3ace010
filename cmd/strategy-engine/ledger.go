// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Read and export the evolution ledger",
	Long: `The ledger is the append-only record of every version transition: which
version replaced which, why, and which payload fields changed.`,
}

// --- list subcommand ---

var ledgerListCmd = &cobra.Command{
	Use:   "list [topic]",
	Short: "List ledger entries in the order they were written",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerList,
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	topicID := ""
	if len(args) == 1 {
		topicID = args[0]
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.store.ListEvolution(context.Background(), topicID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, entries)
	}
	if len(entries) == 0 {
		fmt.Println("No ledger entries.")
		return nil
	}

	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "%s  %s  v%d -> v%d\n  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.TopicID, e.FromVersion, e.ToVersion, e.Reason)
		for _, c := range e.Changes {
			fmt.Fprintf(os.Stdout, "    %s: %v -> %v\n", c.Field, c.OldValue, c.NewValue)
		}
	}
	fmt.Fprintf(os.Stdout, "\n%d entries\n", len(entries))
	return nil
}

// --- export subcommand ---

var ledgerExportCmd = &cobra.Command{
	Use:   "export [topic]",
	Short: "Export the ledger to YAML or JSON",
	Long: `Export writes the ledger of one topic (with its versions) or of all
topics to --output. The default output is data/ledger.yaml or
data/ledger.json depending on --format.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLedgerExport,
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	topicID := ""
	if len(args) == 1 {
		topicID = args[0]
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	switch format {
	case "yaml", "":
		if output == "" {
			output = "data/ledger.yaml"
		}
		if err := rt.store.ExportLedgerYAML(ctx, topicID, output); err != nil {
			return err
		}
	case "json":
		if output == "" {
			output = "data/ledger.json"
		}
		if err := rt.store.ExportLedgerJSON(ctx, topicID, output); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported format %q: use yaml or json", format)
	}

	fmt.Printf("Exported to %s\n", output)
	return nil
}

func init() {
	ledgerListCmd.Flags().Bool("json", false, "output as JSON")
	ledgerExportCmd.Flags().String("format", "yaml", "export format: yaml or json")
	ledgerExportCmd.Flags().String("output", "", "output file path")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)

	rootCmd.AddCommand(ledgerCmd)
}
