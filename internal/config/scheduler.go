package config

import "time"

// SchedulerConfig contains configuration for the rollout-schedule driver worker.
type SchedulerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval is the duration between driver passes over active schedules.
	Interval time.Duration `envconfig:"INTERVAL" default:"30s" validate:"gte=1s"`

	// BatchSize bounds how many active schedules a single pass loads.
	BatchSize int `envconfig:"BATCH_SIZE" default:"100" validate:"min=1"`

	// MaxStepsPerSchedule bounds the catch-up loop for a schedule whose
	// driver has been offline across several due steps. Steps are still
	// applied strictly in order; the remainder is picked up next pass.
	MaxStepsPerSchedule int `envconfig:"MAX_STEPS_PER_SCHEDULE" default:"50" validate:"min=1"`
}

// Validate checks SchedulerConfig fields for correctness.
func (c *SchedulerConfig) Validate() error {
	// Everything is covered by validator tags; kept for symmetry with the
	// other subsystem configs and future custom rules.
	return nil
}
