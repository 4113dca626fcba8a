// Package objectstore connects to the S3-compatible store that holds archived run logs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Region     string `mapstructure:"region"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	BucketLogs string `mapstructure:"bucket_logs"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:   "localhost:9000",
		AccessKey:  "runengine",
		SecretKey:  "runengineminio",
		Region:     "us-east-1",
		BucketLogs: "run-logs",
	}
}

// Validate reports every missing setting at once.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"endpoint", c.Endpoint},
		{"access_key", c.AccessKey},
		{"secret_key", c.SecretKey},
		{"region", c.Region},
		{"bucket_logs", c.BucketLogs},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("objectstore.%s is required", f.name))
		}
	}
	if _, _, err := splitEndpoint(c.Endpoint, c.UseSSL); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// splitEndpoint accepts host:port or an http(s) URL. A URL scheme overrides use_ssl.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("objectstore.endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false, fmt.Errorf("objectstore.endpoint scheme %q is not supported", u.Scheme)
	}
	if strings.Trim(u.Path, "/") != "" {
		return "", false, fmt.Errorf("objectstore.endpoint must not carry a path: %q", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

// Connect builds a client and makes sure the logs bucket exists.
func Connect(ctx context.Context, cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	host, secure, _ := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(host, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    secure,
		Region:    cfg.Region,
		Transport: transport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketLogs)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.BucketLogs, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketLogs, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.BucketLogs, err)
		}
	}
	return client, nil
}

// Ready fails while bucket is unreachable or gone.
func Ready(client *minio.Client, bucket string) func(context.Context) error {
	return func(ctx context.Context) error {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return nil
	}
}

func transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
