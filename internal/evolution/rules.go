// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evolution

import (
	"fmt"
	"strings"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// Category groups rules that compete for the same decision. Within a
// category the first rule whose condition holds claims it; rules from
// different categories combine into one version.
type Category string

const (
	CategoryEvaluation Category = "evaluation"
	CategoryQuality    Category = "quality"
	CategoryEfficiency Category = "efficiency"
)

// Rule names, as they appear in reason text and metrics labels.
const (
	RuleCatastrophicFailure = "catastrophic_failure"
	RuleLowQuality          = "low_quality"
	RuleCostOptimization    = "cost_optimization"
	RuleEfficiency          = "efficiency"
	RuleReenableEvaluation  = "reenable_evaluation"
)

// Rule is a pure predicate/mutation pair evaluated against an immutable
// payload and metrics snapshot.
type Rule struct {
	Name     string
	Category Category

	// Corrective outcomes are promoted immediately by default.
	Corrective bool

	// ExemptFromMinSamples lets the rule fire before the minimum sample
	// count is reached.
	ExemptFromMinSamples bool

	// Suppresses names later rules that must not fire once this rule's
	// condition holds.
	Suppresses []string

	// When reports whether the rule applies to the current payload.
	When func(p types.Payload, m types.MetricsSnapshot) bool

	// Apply returns the mutated payload. It receives a private copy.
	Apply func(p types.Payload) types.Payload

	// Explain renders the reason fragment for a firing.
	Explain func(m types.MetricsSnapshot, changes []types.FieldChange) string
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules(th types.Thresholds) []Rule {
	return []Rule{
		{
			Name:                 RuleCatastrophicFailure,
			Category:             CategoryEvaluation,
			Corrective:           true,
			ExemptFromMinSamples: true,
			Suppresses:           []string{RuleLowQuality},
			When: func(_ types.Payload, m types.MetricsSnapshot) bool {
				return m.AvgSaveRate == 0
			},
			Apply: func(p types.Payload) types.Payload {
				p = p.WithoutTool(types.EvaluationTool)
				p.SkipEvaluation = true
				return p
			},
			Explain: func(m types.MetricsSnapshot, _ []types.FieldChange) string {
				return fmt.Sprintf("%s: no sources saved (%d/%d), save rate %.2f over %d episode(s) - disabling evaluation step",
					RuleCatastrophicFailure, m.SourcesSaved, m.SourcesReturned, m.AvgSaveRate, m.EpisodeCount)
			},
		},
		{
			Name:     RuleLowQuality,
			Category: CategoryQuality,
			When: func(_ types.Payload, m types.MetricsSnapshot) bool {
				return m.AvgSaveRate < th.LowQuality
			},
			Apply: func(p types.Payload) types.Payload {
				p.ModelTier = types.ModelQuality
				p.SearchDepth = p.SearchDepth.Deeper()
				p.TimeWindow = p.TimeWindow.Wider()
				return p
			},
			Explain: func(m types.MetricsSnapshot, changes []types.FieldChange) string {
				return fmt.Sprintf("%s: save rate %.2f below %.2f over %d episodes - raising %s",
					RuleLowQuality, m.AvgSaveRate, th.LowQuality, m.EpisodeCount, changedFields(changes))
			},
		},
		{
			Name:     RuleCostOptimization,
			Category: CategoryQuality,
			When: func(p types.Payload, m types.MetricsSnapshot) bool {
				return m.AvgSaveRate > th.HighQuality && p.ModelTier == types.ModelQuality
			},
			Apply: func(p types.Payload) types.Payload {
				p.ModelTier = types.ModelFast
				return p
			},
			Explain: func(m types.MetricsSnapshot, _ []types.FieldChange) string {
				return fmt.Sprintf("%s: save rate %.2f above %.2f over %d episodes - downgrading model tier to %s",
					RuleCostOptimization, m.AvgSaveRate, th.HighQuality, m.EpisodeCount, types.ModelFast)
			},
		},
		{
			Name:     RuleEfficiency,
			Category: CategoryEfficiency,
			When: func(_ types.Payload, m types.MetricsSnapshot) bool {
				return m.AvgFollowupCount > th.Followups
			},
			Apply: func(p types.Payload) types.Payload {
				p.ParallelExecution = true
				return p
			},
			Explain: func(m types.MetricsSnapshot, _ []types.FieldChange) string {
				return fmt.Sprintf("%s: average follow-ups %.1f above %.1f - enabling parallel execution",
					RuleEfficiency, m.AvgFollowupCount, th.Followups)
			},
		},
		{
			Name:       RuleReenableEvaluation,
			Category:   CategoryEvaluation,
			Corrective: true,
			When: func(p types.Payload, m types.MetricsSnapshot) bool {
				return p.SkipEvaluation && m.AvgSaveRate > th.Reenable
			},
			Apply: func(p types.Payload) types.Payload {
				p = p.WithTool(types.EvaluationTool)
				p.SkipEvaluation = false
				return p
			},
			Explain: func(m types.MetricsSnapshot, _ []types.FieldChange) string {
				return fmt.Sprintf("%s: save rate %.2f above %.2f over %d episodes - restoring evaluation step",
					RuleReenableEvaluation, m.AvgSaveRate, th.Reenable, m.EpisodeCount)
			},
		},
	}
}

// Firing records one rule that changed the payload.
type Firing struct {
	Rule        string   `json:"rule" yaml:"rule"`
	Category    Category `json:"category" yaml:"category"`
	Corrective  bool     `json:"corrective" yaml:"corrective"`
	Explanation string   `json:"explanation" yaml:"explanation"`
}

// Decision is the result of running the rules once.
type Decision struct {
	Payload types.Payload       `json:"payload" yaml:"payload"`
	Changes []types.FieldChange `json:"changes" yaml:"changes"`
	Fired   []Firing            `json:"fired" yaml:"fired"`

	// Corrective is true when any fired rule is corrective.
	Corrective bool `json:"corrective" yaml:"corrective"`
}

// Changed reports whether the decision produces a new payload.
func (d Decision) Changed() bool {
	return len(d.Changes) > 0
}

// Reason joins the explanation of every fired rule.
func (d Decision) Reason() string {
	parts := make([]string, len(d.Fired))
	for i, f := range d.Fired {
		parts[i] = f.Explanation
	}
	return strings.Join(parts, "; ")
}

// Decide evaluates rules in order against current and m. Conditions always
// see the unmodified current payload; mutations accumulate on a copy. A
// rule whose condition holds claims its category even when it changes
// nothing (for example low_quality when every setting is already at its
// cap), and suppresses the rules it names.
func Decide(rules []Rule, current types.Payload, m types.MetricsSnapshot, minSamples int) Decision {
	d := Decision{Payload: current.Clone()}
	if m.EpisodeCount == 0 {
		return d
	}

	claimed := map[Category]bool{}
	suppressed := map[string]bool{}
	for _, r := range rules {
		if claimed[r.Category] || suppressed[r.Name] {
			continue
		}
		if !r.ExemptFromMinSamples && m.EpisodeCount < minSamples {
			continue
		}
		if !r.When(current, m) {
			continue
		}

		claimed[r.Category] = true
		for _, name := range r.Suppresses {
			suppressed[name] = true
		}

		next := r.Apply(d.Payload.Clone())
		changes := Diff(d.Payload, next)
		if len(changes) == 0 {
			continue
		}
		d.Payload = next
		d.Fired = append(d.Fired, Firing{
			Rule:        r.Name,
			Category:    r.Category,
			Corrective:  r.Corrective,
			Explanation: r.Explain(m, changes),
		})
		d.Corrective = d.Corrective || r.Corrective
	}

	d.Changes = Diff(current, d.Payload)
	return d
}

func changedFields(changes []types.FieldChange) string {
	names := make([]string, len(changes))
	for i, c := range changes {
		names[i] = fmt.Sprintf("%s %v->%v", c.Field, c.OldValue, c.NewValue)
	}
	return strings.Join(names, ", ")
}
