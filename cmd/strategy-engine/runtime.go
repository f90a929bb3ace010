// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/strategy-engine/internal/evolution"
	"github.com/pdiddy/strategy-engine/internal/rollout"
	"github.com/pdiddy/strategy-engine/internal/store"
	"github.com/pdiddy/strategy-engine/internal/telemetry"
	"github.com/pdiddy/strategy-engine/pkg/types"
)

// runtime bundles the components a command works with. The aggregator
// notifies the engine, so episodes finished through the CLI trigger a
// decision cycle.
type runtime struct {
	cfg      types.EngineConfig
	store    *store.Store
	agg      *telemetry.Aggregator
	engine   *evolution.Engine
	bucketer *rollout.Bucketer
}

func openRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.NewStore(cfg.StoreConfig)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	agg := telemetry.NewAggregator(s, telemetry.WithLogger(logger))
	engine := evolution.New(s, agg, cfg, evolution.WithLogger(logger))
	agg.SetListener(engine)

	return &runtime{
		cfg:      cfg,
		store:    s,
		agg:      agg,
		engine:   engine,
		bucketer: rollout.NewBucketer(s),
	}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// --- shared helpers ---

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// readPayload loads a payload from a YAML (or JSON) file. An empty path
// returns DefaultPayload.
func readPayload(path string) (types.Payload, error) {
	if path == "" {
		return types.DefaultPayload(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Payload{}, fmt.Errorf("reading payload file: %w", err)
	}
	p := types.DefaultPayload()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return types.Payload{}, fmt.Errorf("parsing payload file %s: %w", path, err)
	}
	return p.Clone(), nil
}

func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q: must be a non-negative integer", s)
	}
	return v, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func versionString(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
