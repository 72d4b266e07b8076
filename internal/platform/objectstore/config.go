package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zonepilot-labs/zonepilot-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketPlans   string
	RetentionDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ZONEPILOT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	retentionDays, err := env.Int("ZONEPILOT_PLAN_RETENTION_DAYS", 1)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("ZONEPILOT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("ZONEPILOT_MINIO_ACCESS_KEY", "zonepilot"),
		SecretKey:     env.String("ZONEPILOT_MINIO_SECRET_KEY", "zonepilotminio"),
		Region:        env.String("ZONEPILOT_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketPlans:   env.String("ZONEPILOT_MINIO_BUCKET_PLANS", "plan-artifacts"),
		RetentionDays: retentionDays,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketPlans) == "" {
		return errors.New("plans bucket is required")
	}
	if c.RetentionDays < 1 {
		return errors.New("retention days must be >= 1")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
