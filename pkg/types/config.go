// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// StoreConfig holds settings for the SQLite backing store.
type StoreConfig struct {
	// DBPath is the SQLite database file (default "data/strategy.db").
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`
}

// Thresholds holds the metric boundaries the decision rules compare against.
type Thresholds struct {
	// LowQuality: save rates below this upgrade quality settings (default 0.5).
	LowQuality float64 `json:"low_quality" yaml:"low_quality" mapstructure:"low_quality"`

	// HighQuality: save rates above this allow a cheaper model (default 0.7).
	HighQuality float64 `json:"high_quality" yaml:"high_quality" mapstructure:"high_quality"`

	// Reenable: save rates above this restore a skipped evaluation step (default 0.6).
	Reenable float64 `json:"reenable" yaml:"reenable" mapstructure:"reenable"`

	// Followups: average follow-up counts above this enable parallel execution (default 5).
	Followups float64 `json:"followups" yaml:"followups" mapstructure:"followups"`
}

// EngineConfig holds settings for telemetry aggregation and the decision engine.
type EngineConfig struct {
	StoreConfig `yaml:",inline" mapstructure:",squash"`

	// WindowSize is the number of recent terminal episodes aggregated (default 50).
	WindowSize int `json:"window_size" yaml:"window_size" mapstructure:"window_size"`

	// MinSamples is the episode count non-exempt rules need before firing (default 3).
	MinSamples int `json:"min_samples" yaml:"min_samples" mapstructure:"min_samples"`

	// ExploratoryRollout is the rollout percentage for versions produced only by
	// non-corrective rules (default 100, which promotes immediately).
	ExploratoryRollout int `json:"exploratory_rollout" yaml:"exploratory_rollout" mapstructure:"exploratory_rollout"`

	// MaxPromoteAttempts bounds conflict retries of an evolution write (default 5).
	MaxPromoteAttempts int `json:"max_promote_attempts" yaml:"max_promote_attempts" mapstructure:"max_promote_attempts"`

	// Parallelism bounds concurrent topic evaluations in a sweep (default 4).
	Parallelism int `json:"parallelism" yaml:"parallelism" mapstructure:"parallelism"`

	Thresholds Thresholds `json:"thresholds" yaml:"thresholds" mapstructure:"thresholds"`
}

// DefaultEngineConfig returns the configuration used when no file or flag
// overrides a value.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StoreConfig:        StoreConfig{DBPath: "data/strategy.db"},
		WindowSize:         50,
		MinSamples:         3,
		ExploratoryRollout: 100,
		MaxPromoteAttempts: 5,
		Parallelism:        4,
		Thresholds: Thresholds{
			LowQuality:  0.5,
			HighQuality: 0.7,
			Reenable:    0.6,
			Followups:   5,
		},
	}
}

// WithDefaults fills zero-valued or out-of-range fields from
// DefaultEngineConfig. An ExploratoryRollout of 0 would stage a candidate
// no resource can reach, so it is treated as unset.
func (c EngineConfig) WithDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.ExploratoryRollout <= 0 || c.ExploratoryRollout > 100 {
		c.ExploratoryRollout = d.ExploratoryRollout
	}
	if c.MaxPromoteAttempts <= 0 {
		c.MaxPromoteAttempts = d.MaxPromoteAttempts
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.Thresholds.LowQuality <= 0 {
		c.Thresholds.LowQuality = d.Thresholds.LowQuality
	}
	if c.Thresholds.HighQuality <= 0 {
		c.Thresholds.HighQuality = d.Thresholds.HighQuality
	}
	if c.Thresholds.Reenable <= 0 {
		c.Thresholds.Reenable = d.Thresholds.Reenable
	}
	if c.Thresholds.Followups <= 0 {
		c.Thresholds.Followups = d.Thresholds.Followups
	}
	return c
}
