package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/faceswap-studio/creditcore/internal/config"
	"github.com/faceswap-studio/creditcore/internal/db/dbtest"
	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/payment"
	"github.com/faceswap-studio/creditcore/internal/payment/paymenttest"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/settings"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	ledger   *ledger.Service
	gateway  *paymenttest.Gateway
	settings *settings.Store
	db       *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	gw := paymenttest.New()
	ledgerSvc := ledger.NewService(conn, nil)
	store := settings.NewStore(conn)
	svc := NewService(Options{
		DB:            conn,
		Ledger:        ledgerSvc,
		Recharges:     recharge.NewManager(conn, ledgerSvc, gw, nil),
		Subscriptions: subscription.NewService(conn, ledgerSvc, gw, nil),
		Gateway:       gw,
		Settings:      store,
		Config:        config.ReconcileConfig{OrphanLookback: 30 * 24 * time.Hour, StalePendingAfter: 10 * time.Minute},
	})
	svc.now = func() time.Time { return testNow }
	return &fixture{svc: svc, ledger: ledgerSvc, gateway: gw, settings: store, db: conn}
}

func (f *fixture) insertRecharge(t *testing.T, id string, status models.RechargeStatus, age time.Duration, paymentIntentID string) {
	t.Helper()
	created := testNow.Add(-age)
	rec := models.Recharge{
		ID:             id,
		UserID:         "u1",
		IdempotencyKey: "key-" + id,
		PackageID:      "starter",
		Credits:        100,
		Price:          decimal.RequireFromString("4.99"),
		Currency:       "usd",
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if paymentIntentID != "" {
		rec.PaymentIntentID = &paymentIntentID
	}
	if status == models.RechargeStatusCompleted {
		rec.CompletedAt = &created
	}
	require.NoError(t, f.db.Create(&rec).Error)
}

func (f *fixture) rechargeEntries(t *testing.T, rechargeID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.CreditTransaction{}).Where("related_recharge_id = ?", rechargeID).Count(&count).Error)
	return count
}

func TestOrphanedRechargeRepairIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertRecharge(t, "r2", models.RechargeStatusCompleted, time.Hour, "pi_r2")
	f.insertRecharge(t, "r_old", models.RechargeStatusCompleted, 60*24*time.Hour, "pi_old")

	orphans, err := f.svc.FindOrphanedRecharges(ctx, "")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "r2", orphans[0].ID)

	first, err := f.svc.RepairOrphanedRecharge(ctx, "r2")
	require.NoError(t, err)
	require.True(t, first.Success)
	require.False(t, first.Duplicate)
	require.Equal(t, int64(100), first.NewBalance)

	second, err := f.svc.RepairOrphanedRecharge(ctx, "r2")
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, int64(100), second.NewBalance)
	require.Equal(t, int64(1), f.rechargeEntries(t, "r2"))

	orphans, err = f.svc.FindOrphanedRecharges(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, orphans)

	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)
}

func TestFixOrphanedRechargesReportsEach(t *testing.T) {
	f := newFixture(t)
	f.insertRecharge(t, "a", models.RechargeStatusCompleted, time.Hour, "pi_a")
	f.insertRecharge(t, "b", models.RechargeStatusCompleted, 2*time.Hour, "pi_b")

	reports, err := f.svc.FixOrphanedRecharges(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		require.True(t, r.Success, r.Error)
		require.Equal(t, ActionFixOrphanedRecharges, r.Action)
	}
	bal, err := f.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(200), bal.Balance)
}

func TestRepairPendingRequiresConfirmedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertRecharge(t, "p1", models.RechargeStatusPending, time.Hour, "pi_p1")
	f.gateway.SetStatus("pi_p1", payment.StatusProcessing)

	_, err := f.svc.RepairOrphanedRecharge(ctx, "p1")
	require.ErrorIs(t, err, ErrNotRepairable)
	require.Zero(t, f.rechargeEntries(t, "p1"))

	f.gateway.SetStatus("pi_p1", payment.StatusSucceeded)
	report, err := f.svc.RepairOrphanedRecharge(ctx, "p1")
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, int64(1), f.rechargeEntries(t, "p1"))

	_, err = f.svc.RepairOrphanedRecharge(ctx, "missing")
	require.ErrorIs(t, err, recharge.ErrRechargeNotFound)
}

func TestStalePendingThresholdAndSettingsOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertRecharge(t, "stale", models.RechargeStatusPending, time.Hour, "")
	f.insertRecharge(t, "fresh", models.RechargeStatusPending, time.Minute, "")

	stale, err := f.svc.FindStalePendingRecharges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale", stale[0].ID)

	stale, err = f.svc.FindStalePendingRecharges(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	require.NoError(t, f.settings.Put(ctx, settings.StalePendingMinutesKey, json.RawMessage(`120`), "root"))
	require.Equal(t, 2*time.Hour, f.svc.StalePendingAfter())
	stale, err = f.svc.FindStalePendingRecharges(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestRetryFailedPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertRecharge(t, "paid", models.RechargeStatusPending, time.Hour, "pi_paid")
	f.insertRecharge(t, "dead", models.RechargeStatusPending, time.Hour, "pi_dead")
	f.insertRecharge(t, "wait", models.RechargeStatusPending, time.Hour, "pi_wait")
	f.insertRecharge(t, "noref", models.RechargeStatusPending, time.Hour, "")
	f.gateway.SetStatus("pi_paid", payment.StatusSucceeded)
	f.gateway.SetStatus("pi_dead", payment.StatusCanceled)
	f.gateway.SetStatus("pi_wait", payment.StatusProcessing)

	reports, err := f.svc.RetryFailedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	byID := map[string]RepairReport{}
	for _, r := range reports {
		byID[r.RechargeID] = r
	}
	require.True(t, byID["paid"].Success)
	require.Equal(t, int64(100), byID["paid"].NewBalance)
	require.True(t, byID["dead"].Success)
	require.False(t, byID["wait"].Success)

	var rec models.Recharge
	require.NoError(t, f.db.Where("id = ?", "dead").Take(&rec).Error)
	require.Equal(t, models.RechargeStatusFailed, rec.Status)
	var waiting models.Recharge
	require.NoError(t, f.db.Where("id = ?", "wait").Take(&waiting).Error)
	require.Equal(t, models.RechargeStatusPending, waiting.Status)
}

func TestSystemHealthSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.svc.SystemHealthSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, h.HealthStatus)

	f.insertRecharge(t, "orphan", models.RechargeStatusCompleted, time.Hour, "pi_o")
	f.insertRecharge(t, "stuck", models.RechargeStatusPending, time.Hour, "")
	h, err = f.svc.SystemHealthSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, h.HealthStatus)
	require.Equal(t, int64(1), h.OrphanedCount)
	require.Equal(t, int64(1), h.StalePendingCount)
	require.Equal(t, int64(2), h.RecentRechargeCount)

	_, err = f.svc.RepairOrphanedRecharge(ctx, "orphan")
	require.NoError(t, err)
	require.NoError(t, f.svc.recharges.FailRecharge(ctx, "stuck", "abandoned"))
	h, err = f.svc.SystemHealthSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, h.HealthStatus)
}

func TestRecalculateBalanceThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AddCredits(ctx, ledger.AddParams{UserID: "u1", Amount: 30, Type: models.TransactionTypeBonus})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.CreditBalance{}).Where("user_id = ?", "u1").Update("balance", 5).Error)

	res, err := f.svc.RecalculateBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(30), res.Balance)
	require.Equal(t, int64(25), res.Drift)

	again, err := f.svc.RecalculateBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, res.Balance, again.Balance)
	require.Zero(t, again.Drift)
}
