// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Inspect, promote, archive, and select strategy versions",
	Long: `Strategy works with the version lineage of one topic. Versions are
immutable; promotion and archiving only change which version governs runs.`,
}

// --- list subcommand ---

var strategyListCmd = &cobra.Command{
	Use:   "list <topic>",
	Short: "List all versions of a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runStrategyList,
}

func runStrategyList(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	versions, err := rt.store.ListVersions(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, versions)
	}

	fmt.Fprintf(os.Stdout, "%-7s  %-6s  %-9s  %-7s  %-7s  %-8s  %-5s  %s\n",
		"Version", "Parent", "Status", "Rollout", "Tier", "Depth", "Skip", "Created")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 80))
	for _, v := range versions {
		fmt.Fprintf(os.Stdout, "%-7d  %-6s  %-9s  %-7d  %-7s  %-8s  %-5t  %s\n",
			v.Version, versionString(v.ParentVersion), v.Status, v.RolloutPercentage,
			v.Payload.ModelTier, v.Payload.SearchDepth, v.Payload.SkipEvaluation,
			v.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// --- show / active / candidate subcommands ---

var strategyShowCmd = &cobra.Command{
	Use:   "show <topic> <version>",
	Short: "Show one version with its payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		return showStrategy(cmd, func(rt *runtime) (*types.StrategyConfig, error) {
			return rt.store.GetVersion(context.Background(), args[0], v)
		})
	},
}

var strategyActiveCmd = &cobra.Command{
	Use:   "active <topic>",
	Short: "Show the active version of a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStrategy(cmd, func(rt *runtime) (*types.StrategyConfig, error) {
			return rt.store.GetActive(context.Background(), args[0])
		})
	},
}

var strategyCandidateCmd = &cobra.Command{
	Use:   "candidate <topic>",
	Short: "Show the staged candidate of a topic, if any",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStrategy(cmd, func(rt *runtime) (*types.StrategyConfig, error) {
			return rt.store.GetCandidate(context.Background(), args[0])
		})
	},
}

func showStrategy(cmd *cobra.Command, get func(rt *runtime) (*types.StrategyConfig, error)) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, err := get(rt)
	if err != nil {
		return err
	}
	if cfg == nil {
		fmt.Println("No staged candidate.")
		return nil
	}
	if jsonOutput {
		return printJSON(os.Stdout, cfg)
	}
	return printYAML(os.Stdout, cfg)
}

// --- create subcommand ---

var strategyCreateCmd = &cobra.Command{
	Use:   "create <topic>",
	Short: "Create a version from a payload file",
	Long: `Create appends a version derived from the active version. With
--rollout 100 (the default) the version is promoted in the same transaction;
a lower rollout stages it as the topic's candidate.`,
	Args: cobra.ExactArgs(1),
	RunE: runStrategyCreate,
}

func runStrategyCreate(cmd *cobra.Command, args []string) error {
	payloadPath, _ := cmd.Flags().GetString("payload")
	pct, _ := cmd.Flags().GetInt("rollout")

	payload, err := readPayload(payloadPath)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	active, err := rt.store.GetActive(ctx, args[0])
	if err != nil {
		return err
	}
	status := types.StatusCandidate
	if pct == 100 {
		status = types.StatusActive
	}
	cfg, err := rt.store.CreateVersion(ctx, args[0], payload, &active.Version, status, pct)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Created version %d of %s (%s, rollout %d%%)\n", cfg.Version, cfg.TopicID, cfg.Status, cfg.RolloutPercentage)
	return nil
}

// --- promote / archive subcommands ---

var strategyPromoteCmd = &cobra.Command{
	Use:   "promote <topic> <version>",
	Short: "Promote a staged version and record it in the ledger",
	Args:  cobra.ExactArgs(2),
	RunE:  runStrategyPromote,
}

func runStrategyPromote(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	v, err := parseVersion(args[1])
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, entry, err := rt.engine.Promote(context.Background(), args[0], v, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Promoted %s v%d -> v%d: %s\n", cfg.TopicID, entry.FromVersion, entry.ToVersion, entry.Reason)
	return nil
}

var strategyArchiveCmd = &cobra.Command{
	Use:   "archive <topic> <version>",
	Short: "Reject a staged candidate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		cfg, err := rt.engine.Archive(context.Background(), args[0], v)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Archived %s v%d\n", cfg.TopicID, cfg.Version)
		return nil
	},
}

// --- select subcommand ---

var strategySelectCmd = &cobra.Command{
	Use:   "select <topic> <resource>",
	Short: "Show which version governs a resource's next run",
	Long: `Select hashes the resource ID into one of 100 buckets. Resources whose
bucket is below the staged candidate's rollout percentage get the candidate;
all others get the active version. The answer is stable for a resource.`,
	Args: cobra.ExactArgs(2),
	RunE: runStrategySelect,
}

func runStrategySelect(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	sel, err := rt.bucketer.Select(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, sel)
	}
	route := "active"
	if sel.Candidate {
		route = "candidate"
	}
	fmt.Fprintf(os.Stdout, "Resource %s -> %s v%d (bucket %d, %s)\n", args[1], args[0], sel.Config.Version, sel.Bucket, route)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{strategyListCmd, strategyShowCmd, strategyActiveCmd, strategyCandidateCmd, strategySelectCmd} {
		c.Flags().Bool("json", false, "output as JSON")
	}
	strategyCreateCmd.Flags().String("payload", "", "YAML or JSON payload file (default: default payload)")
	strategyCreateCmd.Flags().Int("rollout", 100, "rollout percentage; below 100 stages a candidate")
	strategyPromoteCmd.Flags().String("reason", "", "reason recorded in the ledger")

	strategyCmd.AddCommand(strategyListCmd)
	strategyCmd.AddCommand(strategyShowCmd)
	strategyCmd.AddCommand(strategyActiveCmd)
	strategyCmd.AddCommand(strategyCandidateCmd)
	strategyCmd.AddCommand(strategyCreateCmd)
	strategyCmd.AddCommand(strategyPromoteCmd)
	strategyCmd.AddCommand(strategyArchiveCmd)
	strategyCmd.AddCommand(strategySelectCmd)

	rootCmd.AddCommand(strategyCmd)
}
