// Package common holds the tracker configuration surface and small shared
// helpers.
package common

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// MaxPageSize is the platform cap on results per search call.
const MaxPageSize = 100

// TrackerConfig is the environment-driven configuration of the tracker.
type TrackerConfig struct {
	Query            string
	PageSize         int32
	PageDelay        time.Duration
	SweepInterval    time.Duration
	MaxStarsPerQuery int64
	RegistryPath     string
	DatabasePath     string
	StorageRoot      string
	TDLibVerbosity   int32
	LogLevel         string
}

// LoadConfig reads configuration from TRACKER_-prefixed environment
// variables with defaults suitable for a local run. The page size is capped
// at the platform maximum.
func LoadConfig() (TrackerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("tracker")
	v.AutomaticEnv()

	v.SetDefault("query", "")
	v.SetDefault("page_size", MaxPageSize)
	v.SetDefault("page_delay", "2s")
	v.SetDefault("sweep_interval", "10m")
	v.SetDefault("max_stars_per_query", 50)
	v.SetDefault("registry_path", "./data/accounts.json")
	v.SetDefault("database_path", "./data/tracker.db")
	v.SetDefault("storage_root", "./data")
	v.SetDefault("tdlib_verbosity", 1)
	v.SetDefault("log_level", "info")

	cfg := TrackerConfig{
		Query:            v.GetString("query"),
		PageSize:         v.GetInt32("page_size"),
		PageDelay:        v.GetDuration("page_delay"),
		SweepInterval:    v.GetDuration("sweep_interval"),
		MaxStarsPerQuery: v.GetInt64("max_stars_per_query"),
		RegistryPath:     v.GetString("registry_path"),
		DatabasePath:     v.GetString("database_path"),
		StorageRoot:      v.GetString("storage_root"),
		TDLibVerbosity:   v.GetInt32("tdlib_verbosity"),
		LogLevel:         v.GetString("log_level"),
	}

	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	return cfg, nil
}

// Validate checks the fields a sweep run cannot start without. Bootstrap
// commands skip this: they only need paths.
func (c TrackerConfig) Validate() error {
	if c.Query == "" {
		return fmt.Errorf("TRACKER_QUERY must be set")
	}
	return nil
}

// SleepCtx sleeps for d or until the context is cancelled, whichever comes
// first. Every intentional suspension point in the tracker goes through
// here so shutdown takes effect within the delay, not after it.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
