// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package evolution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_evolution_cycles_total",
		Help: "Decision cycles by action taken.",
	}, []string{"action"})

	versionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_versions_created_total",
		Help: "Strategy versions created by the decision engine, by initial status.",
	}, []string{"status"})

	promotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_promotions_total",
		Help: "Promotions by source (evolution, candidate, manual).",
	}, []string{"source"})

	rulesFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_rules_fired_total",
		Help: "Rule firings that changed a payload.",
	}, []string{"rule"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strategy_evolution_cycle_duration_seconds",
		Help:    "Wall time of one decision cycle including retries.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)
