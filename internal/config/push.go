package config

import "time"

// PushConfig holds push-notification provider settings.
type PushConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`

	// Endpoint is the provider's HTTPS send endpoint.
	Endpoint string `mapstructure:"ENDPOINT" json:"endpoint" validate:"omitempty,url"`

	// ServerKey authorizes requests against the provider.
	ServerKey string `mapstructure:"SERVER_KEY" json:"-" validate:"omitempty,min=8"`

	// Timeout bounds a single provider call. A hung provider resolves
	// to a failed dispatch instead of leaking a goroutine forever.
	Timeout time.Duration `mapstructure:"TIMEOUT" json:"timeout" validate:"required,timeout_duration"`

	// Workers and QueueSize size the async dispatch pool.
	Workers   int `mapstructure:"WORKERS"    json:"workers"    validate:"required,min=1,max=256"`
	QueueSize int `mapstructure:"QUEUE_SIZE" json:"queue_size" validate:"required,min=1,max=100000"`
}
