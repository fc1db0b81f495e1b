package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/faceswap-studio/creditcore/internal/config"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/security"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate creates or updates every table of the credit subsystem.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.CreditBalance{},
		&models.CreditTransaction{},
		&models.Recharge{},
		&models.CreditPackage{},
		&models.ConsumptionConfig{},
		&models.Upload{},
		&models.UserProfile{},
		&models.CustomerLink{},
		&models.Subscription{},
		&models.SubscriptionGrant{},
		&models.UnlinkedSubscription{},
		&models.SubscriptionPlan{},
		&models.WebhookEvent{},
		&models.Admin{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}

// SeedCatalog upserts consumption costs, credit packages and subscription plans from config.
// Rows that exist in the database but not in config are left untouched.
func SeedCatalog(ctx context.Context, conn *gorm.DB, catalog config.CatalogConfig) error {
	return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, action := range catalog.Actions {
			active := true
			if action.Active != nil {
				active = *action.Active
			}
			row := models.ConsumptionConfig{
				ActionType:      strings.TrimSpace(action.ActionType),
				CreditsRequired: action.Credits,
				IsActive:        active,
			}
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "action_type"}},
				DoUpdates: clause.AssignmentColumns([]string{"credits_required", "is_active", "updated_at"}),
			}).Create(&row).Error; errUpsert != nil {
				return fmt.Errorf("db: seed action %s: %w", row.ActionType, errUpsert)
			}
		}

		for _, pkg := range catalog.Packages {
			price, errPrice := decimal.NewFromString(strings.TrimSpace(pkg.Price))
			if errPrice != nil {
				return fmt.Errorf("db: seed package %s: price: %w", pkg.ID, errPrice)
			}
			currency := strings.ToLower(strings.TrimSpace(pkg.Currency))
			if currency == "" {
				currency = "usd"
			}
			row := models.CreditPackage{
				ID:       strings.TrimSpace(pkg.ID),
				Name:     pkg.Name,
				Credits:  pkg.Credits,
				Price:    price,
				Currency: currency,
				IsActive: true,
			}
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "credits", "price", "currency", "is_active", "updated_at"}),
			}).Create(&row).Error; errUpsert != nil {
				return fmt.Errorf("db: seed package %s: %w", row.ID, errUpsert)
			}
		}

		for _, plan := range catalog.Plans {
			row := models.SubscriptionPlan{
				PriceID:    strings.TrimSpace(plan.PriceID),
				Name:       plan.Name,
				UnitAmount: plan.UnitAmount,
				Currency:   strings.ToLower(strings.TrimSpace(plan.Currency)),
				Interval:   strings.ToLower(strings.TrimSpace(plan.Interval)),
				Credits:    plan.Credits,
				IsActive:   true,
			}
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "price_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "unit_amount", "currency", "interval", "credits", "is_active", "updated_at"}),
			}).Create(&row).Error; errUpsert != nil {
				return fmt.Errorf("db: seed plan %s: %w", row.PriceID, errUpsert)
			}
		}
		return nil
	})
}

// EnsureAdmin creates the configured admin account when it does not exist yet.
func EnsureAdmin(ctx context.Context, conn *gorm.DB, cfg config.AdminConfig) error {
	username := strings.TrimSpace(cfg.Username)
	if username == "" || cfg.Password == "" {
		return nil
	}
	var existing models.Admin
	errFind := conn.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: find admin: %w", errFind)
	}
	hash, errHash := security.HashPassword(cfg.Password)
	if errHash != nil {
		return fmt.Errorf("db: hash admin password: %w", errHash)
	}
	if errCreate := conn.WithContext(ctx).Create(&models.Admin{Username: username, Password: hash, Active: true}).Error; errCreate != nil {
		return fmt.Errorf("db: create admin: %w", errCreate)
	}
	log.WithField("username", username).Info("seeded admin account")
	return nil
}
