package batchstore

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/getcaravan/caravan/envutils"
	"github.com/getcaravan/caravan/schemas"
)

// PostgresConfig represents the configuration for a Postgres database.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

func (c *PostgresConfig) processEnvValues() error {
	var err error
	if c.Host, err = envutils.ProcessEnvValue(c.Host); err != nil {
		return fmt.Errorf("failed to process env value for host: %w", err)
	}
	if c.Port, err = envutils.ProcessEnvValue(c.Port); err != nil {
		return fmt.Errorf("failed to process env value for port: %w", err)
	}
	if c.User, err = envutils.ProcessEnvValue(c.User); err != nil {
		return fmt.Errorf("failed to process env value for user: %w", err)
	}
	if c.Password, err = envutils.ProcessEnvValue(c.Password); err != nil {
		return fmt.Errorf("failed to process env value for password: %w", err)
	}
	if c.DBName, err = envutils.ProcessEnvValue(c.DBName); err != nil {
		return fmt.Errorf("failed to process env value for db name: %w", err)
	}
	if c.SSLMode, err = envutils.ProcessEnvValue(c.SSLMode); err != nil {
		return fmt.Errorf("failed to process env value for ssl mode: %w", err)
	}
	return nil
}

// newPostgresStore creates a new Postgres batch store.
func newPostgresStore(ctx context.Context, config *PostgresConfig, logger schemas.Logger) (*RDBStore, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	s := &RDBStore{db: db, logger: logger}
	// Run migrations
	if err := triggerMigrations(ctx, db); err != nil {
		if sqlDB, sqlErr := db.DB(); sqlErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return s, nil
}
