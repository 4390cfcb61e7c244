package batchstore

import (
	"encoding/json"
	"fmt"

	"github.com/getcaravan/caravan/envutils"
)

// Config represents the configuration for the batch store.
type Config struct {
	Type   StoreType `json:"type"`
	Config any       `json:"config"`
}

// UnmarshalJSON is the custom unmarshal logic for Config
func (c *Config) UnmarshalJSON(data []byte) error {
	type TempConfig struct {
		Type   StoreType       `json:"type"`
		Config json.RawMessage `json:"config"`
	}

	var temp TempConfig
	if err := json.Unmarshal(data, &temp); err != nil {
		return fmt.Errorf("failed to unmarshal batch store config: %w", err)
	}
	c.Type = temp.Type

	switch temp.Type {
	case StoreTypeSQLite:
		if len(temp.Config) == 0 {
			return fmt.Errorf("missing sqlite config payload")
		}
		var sqliteConfig SQLiteConfig
		if err := json.Unmarshal(temp.Config, &sqliteConfig); err != nil {
			return fmt.Errorf("failed to unmarshal sqlite config: %w", err)
		}
		var err error
		if sqliteConfig.Path, err = envutils.ProcessEnvValue(sqliteConfig.Path); err != nil {
			return fmt.Errorf("failed to process env value for sqlite path: %w", err)
		}
		c.Config = &sqliteConfig
	case StoreTypePostgres:
		if len(temp.Config) == 0 {
			return fmt.Errorf("missing postgres config payload")
		}
		var postgresConfig PostgresConfig
		if err := json.Unmarshal(temp.Config, &postgresConfig); err != nil {
			return fmt.Errorf("failed to unmarshal postgres config: %w", err)
		}
		if err := postgresConfig.processEnvValues(); err != nil {
			return err
		}
		c.Config = &postgresConfig
	default:
		return fmt.Errorf("unknown batch store type: %s", temp.Type)
	}
	return nil
}
