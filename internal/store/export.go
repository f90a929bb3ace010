// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// LedgerExport is the document written by ExportLedgerYAML and
// ExportLedgerJSON: the ledger of one topic (or all topics) together with
// the versions it references.
type LedgerExport struct {
	TopicID  string                 `json:"topic_id,omitempty" yaml:"topic_id,omitempty"`
	Entries  []types.EvolutionLog   `json:"entries" yaml:"entries"`
	Versions []types.StrategyConfig `json:"versions,omitempty" yaml:"versions,omitempty"`
}

// ExportLedgerYAML writes the ledger to path as YAML.
func (s *Store) ExportLedgerYAML(ctx context.Context, topicID, path string) error {
	doc, err := s.ledgerExport(ctx, topicID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling YAML: %w", err)
	}
	return writeExport(path, data)
}

// ExportLedgerJSON writes the ledger to path as indented JSON.
func (s *Store) ExportLedgerJSON(ctx context.Context, topicID, path string) error {
	doc, err := s.ledgerExport(ctx, topicID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	return writeExport(path, data)
}

func (s *Store) ledgerExport(ctx context.Context, topicID string) (*LedgerExport, error) {
	entries, err := s.ListEvolution(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("querying ledger for export: %w", err)
	}
	doc := &LedgerExport{TopicID: topicID, Entries: entries}
	if doc.Entries == nil {
		doc.Entries = []types.EvolutionLog{}
	}
	if topicID != "" {
		versions, err := s.ListVersions(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("querying versions for export: %w", err)
		}
		doc.Versions = versions
	}
	return doc, nil
}

func writeExport(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
