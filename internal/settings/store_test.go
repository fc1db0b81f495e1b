package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/faceswap-studio/creditcore/internal/db/dbtest"
)

func TestStoreDefaultsAndPut(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStore(conn)
	ctx := context.Background()
	if errRefresh := store.Refresh(ctx); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}

	if got := store.Duration(StalePendingMinutesKey, time.Minute, 10*time.Minute); got != 10*time.Minute {
		t.Fatalf("default = %v", got)
	}

	if errPut := store.Put(ctx, StalePendingMinutesKey, json.RawMessage(`45`), "root"); errPut != nil {
		t.Fatalf("put: %v", errPut)
	}
	if got := store.Duration(StalePendingMinutesKey, time.Minute, 10*time.Minute); got != 45*time.Minute {
		t.Fatalf("after put = %v", got)
	}
	if store.UpdatedAt().IsZero() {
		t.Fatal("expected updated at")
	}

	fresh := NewStore(conn)
	if errRefresh := fresh.Refresh(ctx); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if got := fresh.Int(StalePendingMinutesKey, 0); got != 45 {
		t.Fatalf("reloaded = %d", got)
	}
}

func TestStorePutValidates(t *testing.T) {
	store := NewStore(dbtest.Open(t))
	ctx := context.Background()
	if err := store.Put(ctx, "SITE_NAME", json.RawMessage(`1`), "root"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err := store.Put(ctx, OrphanLookbackDaysKey, json.RawMessage(`0`), "root"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if err := store.Put(ctx, OrphanLookbackDaysKey, json.RawMessage(`"ten"`), "root"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}
