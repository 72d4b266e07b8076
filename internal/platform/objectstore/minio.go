package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// EnsureBucket creates the plan bucket when missing and (re)applies the
// expiration lifecycle so plan artifacts age out after RetentionDays.
func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketPlans)
	if err != nil {
		return fmt.Errorf("plans bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketPlans, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("make plans bucket: %w", err)
		}
	}

	rules := lifecycle.NewConfiguration()
	rules.Rules = []lifecycle.Rule{
		{
			ID:     "expire-plan-artifacts",
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(cfg.RetentionDays),
			},
		},
	}
	if err := client.SetBucketLifecycle(ctx, cfg.BucketPlans, rules); err != nil {
		return fmt.Errorf("set plans lifecycle: %w", err)
	}
	return nil
}

func CheckBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	exists, err := client.BucketExists(ctx, cfg.BucketPlans)
	if err != nil {
		return fmt.Errorf("plans bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("plans bucket missing: %s", cfg.BucketPlans)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
