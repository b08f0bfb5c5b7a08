package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config carries the pipeline client settings. Everything is env-driven so the
// desktop app behaves the same in dev and in packaged builds.
type Config struct {
	DatabaseURL string

	BlobBucket       string
	UploadWorkers    int
	UploadTimeout    time.Duration
	TriggerThreshold int
	TriggerCooldown  time.Duration

	IndexPollFast     time.Duration
	IndexPollSteady   time.Duration
	IndexFastAttempts int
	IndexMaxAttempts  int
	IndexCheckTimeout time.Duration

	RefreshQuietWindow time.Duration
	RefreshMaxWait     time.Duration

	SweepCron    string
	SweepTimeout time.Duration
}

type in struct {
	DatabaseURL string `env:"DATABASE_URL, default=sqlite://./docflow.db"`

	BlobBucket       string        `env:"BLOB_BUCKET, default=docflow-inbox"`
	UploadWorkers    int           `env:"UPLOAD_WORKERS, default=4"`
	UploadTimeout    time.Duration `env:"UPLOAD_TIMEOUT, default=5m"`
	TriggerThreshold int           `env:"TRIGGER_FAILURE_THRESHOLD, default=5"`
	TriggerCooldown  time.Duration `env:"TRIGGER_RESET_TIMEOUT, default=30s"`

	IndexPollFast     time.Duration `env:"INDEX_POLL_FAST, default=1s"`
	IndexPollSteady   time.Duration `env:"INDEX_POLL_STEADY, default=2s"`
	IndexFastAttempts int           `env:"INDEX_FAST_ATTEMPTS, default=10"`
	IndexMaxAttempts  int           `env:"INDEX_MAX_ATTEMPTS, default=150"`
	IndexCheckTimeout time.Duration `env:"INDEX_CHECK_TIMEOUT, default=800ms"`

	RefreshQuietWindow time.Duration `env:"REFRESH_QUIET_WINDOW, default=500ms"`
	RefreshMaxWait     time.Duration `env:"REFRESH_MAX_WAIT, default=2s"`

	SweepCron    string        `env:"SWEEP_CRON, default=*/15 * * * * *"`
	SweepTimeout time.Duration `env:"SWEEP_TIMEOUT, default=10s"`
}

// Load reads the configuration from the environment.
func Load(ctx context.Context) (Config, error) {
	var input in

	c, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := envconfig.Process(c, &input); err != nil {
		return Config{}, err
	}
	if err := validate(input); err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL:        input.DatabaseURL,
		BlobBucket:         input.BlobBucket,
		UploadWorkers:      input.UploadWorkers,
		UploadTimeout:      input.UploadTimeout,
		TriggerThreshold:   input.TriggerThreshold,
		TriggerCooldown:    input.TriggerCooldown,
		IndexPollFast:      input.IndexPollFast,
		IndexPollSteady:    input.IndexPollSteady,
		IndexFastAttempts:  input.IndexFastAttempts,
		IndexMaxAttempts:   input.IndexMaxAttempts,
		IndexCheckTimeout:  input.IndexCheckTimeout,
		RefreshQuietWindow: input.RefreshQuietWindow,
		RefreshMaxWait:     input.RefreshMaxWait,
		SweepCron:          input.SweepCron,
		SweepTimeout:       input.SweepTimeout,
	}, nil
}

func validate(input in) error {
	if input.UploadWorkers < 1 {
		return fmt.Errorf("UPLOAD_WORKERS must be at least 1, got %d", input.UploadWorkers)
	}
	if input.TriggerThreshold < 1 {
		return fmt.Errorf("TRIGGER_FAILURE_THRESHOLD must be at least 1, got %d", input.TriggerThreshold)
	}
	if input.IndexMaxAttempts < 1 {
		return fmt.Errorf("INDEX_MAX_ATTEMPTS must be at least 1, got %d", input.IndexMaxAttempts)
	}
	shortestTick := input.IndexPollFast
	if input.IndexPollSteady < shortestTick {
		shortestTick = input.IndexPollSteady
	}
	if input.IndexCheckTimeout >= shortestTick {
		return fmt.Errorf("INDEX_CHECK_TIMEOUT (%v) must stay below the shortest poll interval (%v) so a hung check cannot stall the schedule", input.IndexCheckTimeout, shortestTick)
	}
	if strings.TrimSpace(input.SweepCron) == "" {
		return fmt.Errorf("SWEEP_CRON must not be empty")
	}
	return nil
}
