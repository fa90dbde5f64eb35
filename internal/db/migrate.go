package db

import (
	"fmt"

	"github.com/rj8b0000/gsb-admin-backend/internal/config"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every gorm model owned by the support backend.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Message{},
		&models.Handler{},
		&models.HandlerAssignment{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedHandlers upserts Handler rows from configuration. Existing handlers
// keep their assignment history; only profile columns are refreshed.
func SeedHandlers(db *gorm.DB, handlers []config.HandlerConfig) error {
	for _, hc := range handlers {
		h := models.Handler{
			ID:         hc.ID,
			Name:       hc.Name,
			Email:      hc.Email,
			Department: hc.Department,
			Active:     true,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "email", "department", "active", "updated_at"}),
		}).Create(&h)
		if result.Error != nil {
			return fmt.Errorf("db: seed handler %q: %w", hc.ID, result.Error)
		}
	}
	return nil
}
