// Package config handles worker configuration, assembled from CLI flags by
// cmd/predictqueue-worker and validated before the supervisor starts.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all worker configuration.
type Config struct {
	// Stream / coordination store
	RedisURL   string
	InputQueue string
	ConsumerID string

	// Object storage (S3-compatible)
	S3AccessKey   string
	S3SecretKey   string
	S3EndpointURL string
	S3Bucket      string
	S3Region      string

	// Prediction behavior
	PredictTimeout    time.Duration // 0 means no deadline
	ReportSetupRunURL string
	MaxFailureCount   int // 0 means disabled
}

// Flags mirrors the raw CLI flag values before composition/validation, so
// main.go can hand a flat struct to Load without importing the flag package
// here.
type Flags struct {
	RedisURL          string
	RedisHost         string
	RedisPort         int
	InputQueue        string
	S3AccessKey       string
	S3SecretKey       string
	S3EndpointURL     string
	S3Bucket          string
	S3Region          string
	ConsumerID        string
	PredictTimeout    int
	ReportSetupRunURL string
	MaxFailureCount   int
}

// Load validates and assembles a Config from parsed flags, composing the
// legacy --redis-host/--redis-port pair into a redis:// URL when --redis-url
// itself was not given.
func Load(f Flags) (*Config, error) {
	redisURL := strings.TrimSpace(f.RedisURL)
	if redisURL == "" {
		if f.RedisHost != "" {
			port := f.RedisPort
			if port == 0 {
				port = 6379
			}
			redisURL = fmt.Sprintf("redis://%s:%d/0", f.RedisHost, port)
		}
	}
	if redisURL == "" {
		return nil, fmt.Errorf("--redis-url or --redis-host is required")
	}

	inputQueue := strings.TrimSpace(f.InputQueue)
	if inputQueue == "" {
		return nil, fmt.Errorf("--input-queue is required")
	}

	consumerID := strings.TrimSpace(f.ConsumerID)
	if consumerID == "" {
		return nil, fmt.Errorf("--consumer-id is required")
	}

	if f.PredictTimeout < 0 {
		return nil, fmt.Errorf("--predict-timeout must not be negative")
	}
	if f.MaxFailureCount < 0 {
		return nil, fmt.Errorf("--max-failure-count must not be negative")
	}

	return &Config{
		RedisURL:          redisURL,
		InputQueue:        inputQueue,
		ConsumerID:        consumerID,
		S3AccessKey:       f.S3AccessKey,
		S3SecretKey:       f.S3SecretKey,
		S3EndpointURL:     f.S3EndpointURL,
		S3Bucket:          f.S3Bucket,
		S3Region:          f.S3Region,
		PredictTimeout:    time.Duration(f.PredictTimeout) * time.Second,
		ReportSetupRunURL: strings.TrimSpace(f.ReportSetupRunURL),
		MaxFailureCount:   f.MaxFailureCount,
	}, nil
}

// SetupStreamName returns the stats stream name for setup-phase durations.
func (c *Config) SetupStreamName() string {
	return c.InputQueue + "-setup-time"
}

// RunStreamName returns the stats stream name for per-prediction durations.
func (c *Config) RunStreamName() string {
	return c.InputQueue + "-run-time"
}

// AutoclaimAfter returns the idle duration after which a pending stream entry
// becomes eligible for reclaim by another consumer.
func (c *Config) AutoclaimAfter() time.Duration {
	if c.PredictTimeout <= 0 {
		return 10 * time.Minute
	}
	return c.PredictTimeout + 30*time.Second
}

// StorageEnabled reports whether enough S3 configuration was supplied to
// construct an object storage client.
func (c *Config) StorageEnabled() bool {
	return c.S3Bucket != "" && c.S3EndpointURL != ""
}
