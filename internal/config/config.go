package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration surface for both the gateway and the
// worker binary. Everything comes from the environment; mains load an
// optional .env first.
type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath     string `env:"DB_PATH" envDefault:"./data/jobs.db"`
	UploadsDir string `env:"UPLOADS_DIR" envDefault:"./uploaded_files"`
	OutputsDir string `env:"OUTPUTS_DIR" envDefault:"./outputs"`

	Workers      int           `env:"WORKERS" envDefault:"4"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`

	// HeartbeatInterval must stay well below LivenessDeadline or the reaper
	// will requeue jobs whose worker is alive.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	LivenessDeadline  time.Duration `env:"LIVENESS_DEADLINE" envDefault:"60s"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`

	// Extractors is the ordered list of extraction handlers to register.
	// The plain-text scanner always remains the fallback.
	Extractors []string `env:"EXTRACTORS" envSeparator:"," envDefault:"xlsx,csv,text"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.HeartbeatInterval <= 0 || c.LivenessDeadline <= 0 {
		return fmt.Errorf("heartbeat interval and liveness deadline must be positive")
	}
	if c.HeartbeatInterval*2 > c.LivenessDeadline {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be at most half of LIVENESS_DEADLINE (%s)",
			c.HeartbeatInterval, c.LivenessDeadline)
	}
	return nil
}
