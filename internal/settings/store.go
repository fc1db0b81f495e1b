// Package settings holds runtime tunables stored in the settings table.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/faceswap-studio/creditcore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownKey is returned by Put for a key that is not a known setting.
	ErrUnknownKey = errors.New("settings: unknown key")
	// ErrInvalidValue is returned by Put for a value outside the key's bounds.
	ErrInvalidValue = errors.New("settings: invalid value")
)

type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// Store keeps an in-memory snapshot of the settings table.
type Store struct {
	db      *gorm.DB
	current atomic.Pointer[snapshot]
}

// NewStore returns a store with an empty snapshot. Call Refresh at startup.
func NewStore(db *gorm.DB) *Store {
	s := &Store{db: db}
	s.current.Store(&snapshot{values: map[string]json.RawMessage{}})
	return s
}

// Refresh reloads every setting from the database.
func (s *Store) Refresh(ctx context.Context) error {
	if s.db == nil {
		return errors.New("settings: nil db")
	}
	var rows []models.Setting
	if errFind := s.db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}
	next := &snapshot{values: make(map[string]json.RawMessage, len(rows))}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		copied := make([]byte, len(row.Value))
		copy(copied, row.Value)
		next.values[key] = copied
		if row.UpdatedAt.After(next.updatedAt) {
			next.updatedAt = row.UpdatedAt.UTC()
		}
	}
	s.current.Store(next)
	return nil
}

// UpdatedAt returns the newest update time in the snapshot.
func (s *Store) UpdatedAt() time.Time {
	return s.current.Load().updatedAt
}

// Int returns an integer setting, or def when unset or not a number.
func (s *Store) Int(key string, def int64) int64 {
	raw, ok := s.current.Load().values[key]
	if !ok || len(raw) == 0 {
		return def
	}
	var v int64
	if errDecode := json.Unmarshal(raw, &v); errDecode != nil {
		return def
	}
	return v
}

// Duration returns an integer setting multiplied by unit, or def when unset.
func (s *Store) Duration(key string, unit, def time.Duration) time.Duration {
	v := s.Int(key, -1)
	if v <= 0 {
		return def
	}
	return time.Duration(v) * unit
}

// Put validates and stores a setting, then refreshes the snapshot.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage, updatedBy string) error {
	key = strings.TrimSpace(key)
	bounds, ok := known[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	var v int64
	if errDecode := json.Unmarshal(value, &v); errDecode != nil || v < bounds.min || v > bounds.max {
		return fmt.Errorf("%w: %s must be an integer in [%d, %d]", ErrInvalidValue, key, bounds.min, bounds.max)
	}
	encoded, _ := json.Marshal(v)
	row := models.Setting{Key: key, Value: encoded, UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC()}
	if errUpsert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_by", "updated_at"}),
	}).Create(&row).Error; errUpsert != nil {
		return fmt.Errorf("settings: store %s: %w", key, errUpsert)
	}
	return s.Refresh(ctx)
}
