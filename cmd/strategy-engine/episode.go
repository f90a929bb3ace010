// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/strategy-engine/internal/retry"
	"github.com/pdiddy/strategy-engine/pkg/types"
)

var episodeCmd = &cobra.Command{
	Use:   "episode",
	Short: "Record agent runs and their outcomes",
	Long: `Episode records the lifecycle of agent runs: create (pending), start
(running), then complete or fail. Completing or failing an episode runs a
decision cycle for its topic. Writes that hit a busy database are retried.`,
}

// withTransientRetry runs fn again while it fails with a transient storage
// error. Episode writes are idempotent or guarded by the status machine, so
// a retried write never records twice.
func withTransientRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, 0, retry.IsTransient, fn)
}

// --- create subcommand ---

var episodeCreateCmd = &cobra.Command{
	Use:   "create <topic>",
	Short: "Create a pending episode",
	Long: `Create records a pending episode. The strategy version is --version when
given; otherwise it is selected for --resource through rollout bucketing, or
the active version when no resource is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runEpisodeCreate,
}

func runEpisodeCreate(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	resource, _ := cmd.Flags().GetString("resource")
	versionFlag, _ := cmd.Flags().GetInt("version")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	topicID := args[0]

	v := versionFlag
	if v < 0 {
		if resource != "" {
			cfg, err := rt.bucketer.SelectVersion(ctx, topicID, resource)
			if err != nil {
				return err
			}
			v = cfg.Version
		} else {
			cfg, err := rt.store.GetActive(ctx, topicID)
			if err != nil {
				return err
			}
			v = cfg.Version
		}
	}

	var ep *types.Episode
	err = withTransientRetry(ctx, func() error {
		var err error
		ep, err = rt.agg.CreatePending(ctx, topicID, v, query)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, ep.ID)
	return nil
}

// --- start / complete / fail subcommands ---

var episodeStartCmd = &cobra.Command{
	Use:   "start <episode>",
	Short: "Mark a pending episode as running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := context.Background()
		return withTransientRetry(ctx, func() error {
			ep, err := rt.agg.Start(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Episode %s running\n", ep.ID)
			return nil
		})
	},
}

var episodeCompleteCmd = &cobra.Command{
	Use:   "complete <episode>",
	Short: "Complete a running episode with its outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runEpisodeComplete,
}

func runEpisodeComplete(cmd *cobra.Command, args []string) error {
	outcome := outcomeFromFlags(cmd)

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	return withTransientRetry(ctx, func() error {
		ep, err := rt.agg.Complete(ctx, args[0], outcome)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Episode %s completed (%d/%d sources saved)\n",
			ep.ID, len(ep.SourcesSaved), len(ep.SourcesReturned))
		return nil
	})
}

var episodeFailCmd = &cobra.Command{
	Use:   "fail <episode>",
	Short: "Fail a pending or running episode",
	Args:  cobra.ExactArgs(1),
	RunE:  runEpisodeFail,
}

func runEpisodeFail(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	var outcome *types.Outcome
	if cmd.Flags().Changed("returned") || cmd.Flags().Changed("saved") || cmd.Flags().Changed("followups") {
		o := outcomeFromFlags(cmd)
		outcome = &o
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	return withTransientRetry(ctx, func() error {
		ep, err := rt.agg.Fail(ctx, args[0], message, outcome)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Episode %s failed: %s\n", ep.ID, ep.ErrorMessage)
		return nil
	})
}

func outcomeFromFlags(cmd *cobra.Command) types.Outcome {
	returned, _ := cmd.Flags().GetString("returned")
	saved, _ := cmd.Flags().GetString("saved")
	followups, _ := cmd.Flags().GetInt("followups")
	return types.Outcome{
		SourcesReturned: splitList(returned),
		SourcesSaved:    splitList(saved),
		FollowupCount:   followups,
	}
}

// --- record subcommand ---

var episodeRecordCmd = &cobra.Command{
	Use:   "record <file>",
	Short: "Record finished episodes from a YAML file",
	Long: `Record ingests a YAML file holding one episode or a list of episodes.
Recording is idempotent by episode ID, so a file can be replayed safely.`,
	Args: cobra.ExactArgs(1),
	RunE: runEpisodeRecord,
}

func runEpisodeRecord(cmd *cobra.Command, args []string) error {
	episodes, err := readEpisodes(args[0])
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	for i, ep := range episodes {
		err := withTransientRetry(ctx, func() error {
			return rt.agg.RecordEpisode(ctx, ep)
		})
		if err != nil {
			return fmt.Errorf("episode %d of %s: %w", i+1, args[0], err)
		}
	}
	fmt.Fprintf(os.Stdout, "Recorded %d episode(s)\n", len(episodes))
	return nil
}

// readEpisodes accepts either a single mapping or a sequence of mappings.
func readEpisodes(path string) ([]types.Episode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading episode file: %w", err)
	}
	var list []types.Episode
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one types.Episode
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parsing episode file %s: %w", path, err)
	}
	return []types.Episode{one}, nil
}

// --- list subcommand ---

var episodeListCmd = &cobra.Command{
	Use:   "list <topic>",
	Short: "List the most recent episodes of a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runEpisodeList,
}

func runEpisodeList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	episodes, err := rt.store.ListEpisodes(context.Background(), args[0], limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, episodes)
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-7s  %-9s  %-8s  %-9s  %s\n", "ID", "Version", "Status", "Saved", "Followups", "Query")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 100))
	for _, ep := range episodes {
		fmt.Fprintf(os.Stdout, "%-36s  %-7d  %-9s  %-8s  %-9d  %s\n",
			ep.ID, ep.StrategyVersion, ep.Status,
			fmt.Sprintf("%d/%d", len(ep.SourcesSaved), len(ep.SourcesReturned)),
			ep.FollowupCount, truncate(ep.Query, 30))
	}
	return nil
}

func init() {
	episodeCreateCmd.Flags().String("query", "", "research query the run will answer")
	episodeCreateCmd.Flags().String("resource", "", "resource ID used for rollout bucketing")
	episodeCreateCmd.Flags().Int("version", -1, "strategy version (default: selected)")

	for _, c := range []*cobra.Command{episodeCompleteCmd, episodeFailCmd} {
		c.Flags().String("returned", "", "comma-separated source references returned")
		c.Flags().String("saved", "", "comma-separated source references saved")
		c.Flags().Int("followups", 0, "number of follow-up queries")
	}
	episodeFailCmd.Flags().String("message", "", "failure message")
	_ = episodeFailCmd.MarkFlagRequired("message")

	episodeListCmd.Flags().Int("limit", 20, "maximum episodes to list")
	episodeListCmd.Flags().Bool("json", false, "output as JSON")

	episodeCmd.AddCommand(episodeCreateCmd)
	episodeCmd.AddCommand(episodeStartCmd)
	episodeCmd.AddCommand(episodeCompleteCmd)
	episodeCmd.AddCommand(episodeFailCmd)
	episodeCmd.AddCommand(episodeRecordCmd)
	episodeCmd.AddCommand(episodeListCmd)

	rootCmd.AddCommand(episodeCmd)
}
