package batchstore

import (
	"context"

	"gorm.io/gorm"
)

// triggerMigrations brings the schema up to date.
func triggerMigrations(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&TableBatch{})
}
