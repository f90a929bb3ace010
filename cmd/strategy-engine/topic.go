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

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Create and inspect research topics",
	Long: `A topic is a research subject with its own strategy lineage. Creating a
topic bootstraps version 0 of its strategy, active with rollout 100.`,
}

// --- create subcommand ---

var topicCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a topic and bootstrap its first strategy version",
	Long: `Create inserts a topic and its version 0 strategy in one transaction.
The payload is read from --payload (YAML or JSON); fields the file omits
keep their default values. Without --payload the default payload is used.`,
	RunE: runTopicCreate,
}

func runTopicCreate(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	title, _ := cmd.Flags().GetString("title")
	owner, _ := cmd.Flags().GetString("owner")
	payloadPath, _ := cmd.Flags().GetString("payload")

	payload, err := readPayload(payloadPath)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	topic, v0, err := rt.store.CreateTopic(context.Background(), types.Topic{ID: id, Title: title, Owner: owner}, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Created topic %s (%s) with active version %d\n", topic.ID, topic.Title, v0.Version)
	return nil
}

// --- list subcommand ---

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List topics and their active versions",
	RunE:  runTopicList,
}

func runTopicList(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	topics, err := rt.store.ListTopics(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, topics)
	}
	if len(topics) == 0 {
		fmt.Println("No topics.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-30s  %-15s  %s\n", "ID", "Title", "Owner", "Active")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 92))
	for _, t := range topics {
		fmt.Fprintf(os.Stdout, "%-36s  %-30s  %-15s  %s\n",
			t.ID, truncate(t.Title, 30), truncate(t.Owner, 15), versionString(t.ActiveVersion))
	}
	fmt.Fprintf(os.Stdout, "\n%d topics\n", len(topics))
	return nil
}

// --- show subcommand ---

var topicShowCmd = &cobra.Command{
	Use:   "show <topic>",
	Short: "Show a topic with its active and candidate versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicShow,
}

func runTopicShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	topic, err := rt.store.GetTopic(ctx, args[0])
	if err != nil {
		return err
	}
	active, err := rt.store.GetActive(ctx, topic.ID)
	if err != nil {
		return err
	}
	candidate, err := rt.store.GetCandidate(ctx, topic.ID)
	if err != nil {
		return err
	}

	return printYAML(os.Stdout, struct {
		Topic     *types.Topic          `yaml:"topic"`
		Active    *types.StrategyConfig `yaml:"active"`
		Candidate *types.StrategyConfig `yaml:"candidate,omitempty"`
	}{topic, active, candidate})
}

func init() {
	topicCreateCmd.Flags().String("id", "", "topic ID (default: generated UUID)")
	topicCreateCmd.Flags().String("title", "", "topic title")
	topicCreateCmd.Flags().String("owner", "", "topic owner")
	topicCreateCmd.Flags().String("payload", "", "YAML or JSON file with the bootstrap payload")
	_ = topicCreateCmd.MarkFlagRequired("title")

	topicListCmd.Flags().Bool("json", false, "output topics as JSON")

	topicCmd.AddCommand(topicCreateCmd)
	topicCmd.AddCommand(topicListCmd)
	topicCmd.AddCommand(topicShowCmd)

	rootCmd.AddCommand(topicCmd)
}
