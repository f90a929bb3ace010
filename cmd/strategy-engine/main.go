// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the strategy-engine CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// rootCmd is the base command for the strategy-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "strategy-engine",
	Short: "Closed-loop evolution of research agent strategies",
	Long: `strategy-engine keeps a versioned lineage of agent strategies per topic,
records the outcome of every agent run, and evolves the active strategy when
the outcomes call for it. Every change is written to an append-only ledger.

Topics, strategies, episodes, metrics, evolution, and the ledger each have a
subcommand. All state lives in one SQLite database (--db).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log_level"))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./strategy-engine.yaml or ~/.config/strategy-engine/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (default: data/strategy.db)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	d := types.DefaultEngineConfig()
	viper.SetDefault("db_path", d.DBPath)
	viper.SetDefault("window_size", d.WindowSize)
	viper.SetDefault("min_samples", d.MinSamples)
	viper.SetDefault("exploratory_rollout", d.ExploratoryRollout)
	viper.SetDefault("max_promote_attempts", d.MaxPromoteAttempts)
	viper.SetDefault("parallelism", d.Parallelism)
	viper.SetDefault("thresholds.low_quality", d.Thresholds.LowQuality)
	viper.SetDefault("thresholds.high_quality", d.Thresholds.HighQuality)
	viper.SetDefault("thresholds.reenable", d.Thresholds.Reenable)
	viper.SetDefault("thresholds.followups", d.Thresholds.Followups)
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("strategy-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "strategy-engine"))
		}
	}

	viper.SetEnvPrefix("STRATEGY_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig decodes the merged flag, env, file, and default values.
func loadConfig() (types.EngineConfig, error) {
	var cfg types.EngineConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return types.EngineConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
