// Package blobstore fetches scraped manufacturer text from versioned
// object storage.
package blobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getcaravan/caravan/envutils"
)

// Fetcher returns the scraped text of one manufacturer at one version.
// Implementations must treat (etld1, versionID) as immutable content: the
// same pair always yields the same bytes.
type Fetcher interface {
	FetchText(ctx context.Context, etld1, versionID string) (string, error)
}

// Config represents the configuration for the blob store.
type Config struct {
	Region            string `json:"region"`
	Bucket            string `json:"bucket"`
	KeyPrefix         string `json:"key_prefix"`
	AccessKey         string `json:"access_key"`
	SecretKey         string `json:"secret_key"`
	SessionToken      string `json:"session_token"`
	CacheTTLInSeconds int    `json:"cache_ttl_in_seconds"`
}

// UnmarshalJSON is the custom unmarshal logic for Config
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	var temp Alias
	if err := json.Unmarshal(data, &temp); err != nil {
		return fmt.Errorf("failed to unmarshal blob store config: %w", err)
	}
	*c = Config(temp)

	var err error
	if c.AccessKey, err = envutils.ProcessEnvValue(c.AccessKey); err != nil {
		return fmt.Errorf("failed to process env value for access key: %w", err)
	}
	if c.SecretKey, err = envutils.ProcessEnvValue(c.SecretKey); err != nil {
		return fmt.Errorf("failed to process env value for secret key: %w", err)
	}
	if c.SessionToken, err = envutils.ProcessEnvValue(c.SessionToken); err != nil {
		return fmt.Errorf("failed to process env value for session token: %w", err)
	}
	return nil
}
