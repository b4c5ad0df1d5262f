package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the environment-driven configuration shared by the record and
// replay commands. Per-run operational choices (keys, output path, etc.)
// are flags instead.
type Config struct {
	BrokerURL string // TAPE_BROKER_URL (optional; flag and profile take precedence)

	QueueCapacity   int           // TAPE_QUEUE_CAPACITY (default 4096)
	SoftLimit       int           // TAPE_QUEUE_SOFT (default 100)
	HardLimit       int           // TAPE_QUEUE_HARD (default 1000)
	MonitorInterval time.Duration // TAPE_MONITOR_INTERVAL (default 10s)
	PopTimeout      time.Duration // TAPE_POP_TIMEOUT (default 100ms)
	SeedTimeout     time.Duration // TAPE_SEED_TIMEOUT (default 2s)

	// Archive settings (S3 enabled when bucket is set)
	ArchiveS3Bucket   string // TAPE_ARCHIVE_S3_BUCKET
	ArchiveS3Prefix   string // TAPE_ARCHIVE_S3_PREFIX (default "recordings")
	ArchiveS3Region   string // TAPE_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Endpoint string // TAPE_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
}

func Load() (*Config, error) {
	c := &Config{
		BrokerURL:         os.Getenv("TAPE_BROKER_URL"),
		ArchiveS3Bucket:   os.Getenv("TAPE_ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix:   envOrDefault("TAPE_ARCHIVE_S3_PREFIX", "recordings"),
		ArchiveS3Region:   envOrDefault("TAPE_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint: os.Getenv("TAPE_ARCHIVE_S3_ENDPOINT"),
	}

	var err error
	if c.QueueCapacity, err = envInt("TAPE_QUEUE_CAPACITY", 4096); err != nil {
		return nil, err
	}
	if c.SoftLimit, err = envInt("TAPE_QUEUE_SOFT", 100); err != nil {
		return nil, err
	}
	if c.HardLimit, err = envInt("TAPE_QUEUE_HARD", 1000); err != nil {
		return nil, err
	}
	if c.HardLimit <= c.SoftLimit {
		return nil, fmt.Errorf("TAPE_QUEUE_HARD (%d) must exceed TAPE_QUEUE_SOFT (%d)", c.HardLimit, c.SoftLimit)
	}
	if c.MonitorInterval, err = envDuration("TAPE_MONITOR_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if c.PopTimeout, err = envDuration("TAPE_POP_TIMEOUT", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if c.SeedTimeout, err = envDuration("TAPE_SEED_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
