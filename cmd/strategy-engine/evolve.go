// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/strategy-engine/internal/evolution"
	"github.com/pdiddy/strategy-engine/pkg/types"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve [topic...]",
	Short: "Run a decision cycle for topics",
	Long: `Evolve evaluates the rules against each topic's recent metrics and writes
a new strategy version when a rule changes the payload. Topics with no
episode finished since their last cycle are skipped. With no topic
arguments every topic is evaluated, up to "parallelism" at a time.

--rollout overrides the rollout percentage for a single topic; 100 promotes
immediately, lower values stage a candidate.`,
	RunE: runEvolve,
}

func runEvolve(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()

	var (
		outcomes []evolution.Outcome
		evalErr  error
	)
	if cmd.Flags().Changed("rollout") {
		if len(args) != 1 {
			return fmt.Errorf("--rollout requires exactly one topic")
		}
		pct, _ := cmd.Flags().GetInt("rollout")
		out, err := rt.engine.EvaluateWith(ctx, args[0], evolution.EvaluateOptions{RolloutPercentage: types.IntPtr(pct)})
		outcomes, evalErr = []evolution.Outcome{out}, err
	} else if len(args) > 0 {
		outcomes, evalErr = rt.engine.EvaluateTopics(ctx, args)
	} else {
		outcomes, evalErr = rt.engine.EvaluateAll(ctx)
	}

	if jsonOutput {
		if err := printJSON(os.Stdout, outcomes); err != nil {
			return err
		}
		return evalErr
	}

	for _, o := range outcomes {
		switch o.Action {
		case evolution.ActionPromoted, evolution.ActionStaged, evolution.ActionCandidatePromoted:
			fmt.Fprintf(os.Stdout, "%s: %s v%d (rollout %d%%)\n  %s\n",
				o.TopicID, o.Action, o.Version.Version, o.Version.RolloutPercentage, o.Log.Reason)
		case evolution.ActionCandidateArchived:
			fmt.Fprintf(os.Stdout, "%s: %s v%d\n", o.TopicID, o.Action, o.Version.Version)
		case evolution.ActionNoChange, evolution.ActionHeld, evolution.ActionRejected:
			fmt.Fprintf(os.Stdout, "%s: %s (%d episodes, save rate %.2f)\n",
				o.TopicID, o.Action, o.Metrics.EpisodeCount, o.Metrics.AvgSaveRate)
		default:
			fmt.Fprintf(os.Stdout, "%s: %s\n", o.TopicID, o.Action)
		}
	}
	return evalErr
}

func init() {
	evolveCmd.Flags().Int("rollout", 100, "rollout percentage override for a single topic")
	evolveCmd.Flags().Bool("json", false, "output outcomes as JSON")

	rootCmd.AddCommand(evolveCmd)
}
