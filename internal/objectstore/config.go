package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds the connection settings for an S3-compatible store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// Bucket is used for output file URLs that name only an object key.
	Bucket string
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
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
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
