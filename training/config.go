package training

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OptimizerKind selects the parameter update rule.
type OptimizerKind string

const (
	OptimizerSGD     OptimizerKind = "sgd"
	OptimizerAdam    OptimizerKind = "adam"
	OptimizerAdamW   OptimizerKind = "adamw"
	OptimizerRMSProp OptimizerKind = "rmsprop"
)

// SchedulerKind selects the learning rate decay schedule.
type SchedulerKind string

const (
	SchedulerNone        SchedulerKind = "none"
	SchedulerStep        SchedulerKind = "step"
	SchedulerExponential SchedulerKind = "exponential"
)

// TrainingConfig holds every recognized hyperparameter. It is
// constructed once and passed by pointer; the orchestrator never
// mutates it. Callers needing variants use Copy.
type TrainingConfig struct {
	Epochs       int     `json:"epochs" yaml:"epochs"`
	BatchSize    int     `json:"batchSize" yaml:"batchSize"`
	LearningRate float64 `json:"learningRate" yaml:"learningRate"`

	OptimizerKind OptimizerKind `json:"optimizerKind" yaml:"optimizerKind"`
	Momentum      float64       `json:"momentum" yaml:"momentum"`
	WeightDecay   float64       `json:"weightDecay" yaml:"weightDecay"`

	EarlyStoppingPatience int     `json:"earlyStoppingPatience" yaml:"earlyStoppingPatience"`
	EarlyStoppingMinDelta float64 `json:"earlyStoppingMinDelta" yaml:"earlyStoppingMinDelta"`

	CheckpointRetentionCount int  `json:"checkpointRetentionCount" yaml:"checkpointRetentionCount"`
	SaveOnlyBest             bool `json:"saveOnlyBest" yaml:"saveOnlyBest"`
	CheckpointFrequency      int  `json:"checkpointFrequency" yaml:"checkpointFrequency"`

	GradientClipNorm float64 `json:"gradientClipNorm" yaml:"gradientClipNorm"`

	// KL warmup: the regularization weight ramps linearly from 0 to
	// Beta over this many epochs to avoid posterior collapse.
	WarmupEpochs int     `json:"warmupEpochs" yaml:"warmupEpochs"`
	Beta         float64 `json:"beta" yaml:"beta"`

	ValidationFrequency int `json:"validationFrequency" yaml:"validationFrequency"`

	Scheduler      SchedulerKind `json:"lrSchedulerType" yaml:"lrSchedulerType"`
	LRDecayFactor  float64       `json:"lrDecayFactor" yaml:"lrDecayFactor"`
	LRDecayEpochs  int           `json:"lrDecayEpochs" yaml:"lrDecayEpochs"`

	Shuffle      bool  `json:"shuffle" yaml:"shuffle"`
	Augment      bool  `json:"augment" yaml:"augment"`
	Seed         int64 `json:"seed" yaml:"seed"`
	LogFrequency int   `json:"logFrequency" yaml:"logFrequency"`
}

// DefaultConfig returns the documented defaults for every key.
func DefaultConfig() *TrainingConfig {
	return &TrainingConfig{
		Epochs:                   50,
		BatchSize:                8,
		LearningRate:             1e-3,
		OptimizerKind:            OptimizerAdam,
		Momentum:                 0.9,
		WeightDecay:              0,
		EarlyStoppingPatience:    10,
		EarlyStoppingMinDelta:    0,
		CheckpointRetentionCount: 3,
		SaveOnlyBest:             true,
		CheckpointFrequency:      1,
		GradientClipNorm:         1.0,
		WarmupEpochs:             10,
		Beta:                     1.0,
		ValidationFrequency:      1,
		Scheduler:                SchedulerNone,
		LRDecayFactor:            0.1,
		LRDecayEpochs:            30,
		Shuffle:                  true,
		Augment:                  true,
		Seed:                     42,
		LogFrequency:             10,
	}
}

// Validate fails fast with a ConfigError before any epoch runs.
func (c *TrainingConfig) Validate() error {
	if c.Epochs <= 0 {
		return &ConfigError{Field: "epochs", Reason: fmt.Sprintf("must be positive, got %d", c.Epochs)}
	}
	if c.BatchSize <= 0 {
		return &ConfigError{Field: "batchSize", Reason: fmt.Sprintf("must be positive, got %d", c.BatchSize)}
	}
	if c.LearningRate <= 0 {
		return &ConfigError{Field: "learningRate", Reason: fmt.Sprintf("must be positive, got %v", c.LearningRate)}
	}
	switch c.OptimizerKind {
	case OptimizerSGD, OptimizerAdam, OptimizerAdamW, OptimizerRMSProp:
	default:
		return &ConfigError{Field: "optimizerKind", Reason: fmt.Sprintf("unknown kind %q", c.OptimizerKind)}
	}
	if c.EarlyStoppingPatience < 1 {
		return &ConfigError{Field: "earlyStoppingPatience", Reason: fmt.Sprintf("must be >= 1, got %d", c.EarlyStoppingPatience)}
	}
	if c.EarlyStoppingMinDelta < 0 {
		return &ConfigError{Field: "earlyStoppingMinDelta", Reason: "must be non-negative"}
	}
	if c.CheckpointRetentionCount < 1 {
		return &ConfigError{Field: "checkpointRetentionCount", Reason: fmt.Sprintf("must be >= 1, got %d", c.CheckpointRetentionCount)}
	}
	if c.CheckpointFrequency < 1 {
		return &ConfigError{Field: "checkpointFrequency", Reason: fmt.Sprintf("must be >= 1, got %d", c.CheckpointFrequency)}
	}
	if c.GradientClipNorm < 0 {
		return &ConfigError{Field: "gradientClipNorm", Reason: "must be non-negative (0 disables clipping)"}
	}
	if c.WarmupEpochs < 0 {
		return &ConfigError{Field: "warmupEpochs", Reason: "must be non-negative"}
	}
	if c.Beta < 0 {
		return &ConfigError{Field: "beta", Reason: "must be non-negative"}
	}
	if c.ValidationFrequency < 1 {
		return &ConfigError{Field: "validationFrequency", Reason: fmt.Sprintf("must be >= 1, got %d", c.ValidationFrequency)}
	}
	switch c.Scheduler {
	case SchedulerNone, SchedulerStep, SchedulerExponential:
	default:
		return &ConfigError{Field: "lrSchedulerType", Reason: fmt.Sprintf("unknown scheduler %q", c.Scheduler)}
	}
	return nil
}

// Copy returns an independent copy for callers that need variants.
func (c *TrainingConfig) Copy() *TrainingConfig {
	out := *c
	return &out
}

// SaveJSON writes the config as an indented JSON document.
func (c *TrainingConfig) SaveJSON(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LoadConfigJSON reads a config, applying documented defaults for
// missing keys. Unknown keys are ignored.
func LoadConfigJSON(path string) (*TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigYAML reads a YAML run file with the same keys and defaults
// as the JSON form.
func LoadConfigYAML(path string) (*TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
