package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/faceswap-studio/creditcore/internal/db/dbtest"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, conn.Create(&models.ConsumptionConfig{ActionType: "face_swap", CreditsRequired: 1, IsActive: true}).Error)
	require.NoError(t, conn.Create(&models.ConsumptionConfig{ActionType: "hd_swap", CreditsRequired: 3, IsActive: true}).Error)
	require.NoError(t, conn.Create(&models.ConsumptionConfig{ActionType: "retired", CreditsRequired: 1, IsActive: false}).Error)

	svc := NewService(conn, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, conn
}

func ledgerSum(t *testing.T, conn *gorm.DB, userID string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, conn.Model(&models.CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Scan(&sum).Error)
	return sum
}

func TestGetBalanceForNewUserIsZero(t *testing.T) {
	svc, _ := newTestService(t)
	bal, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Balance)
	require.Equal(t, int64(0), bal.TotalRecharged)
	require.Equal(t, int64(0), bal.TotalConsumed)

	again, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, bal.Balance, again.Balance)
}

func TestAddThenConsume(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	added, err := svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: 120, Type: models.TransactionTypeSubscription, Description: "monthly bonus"})
	require.NoError(t, err)
	require.Equal(t, int64(120), added.NewBalance)

	var entry models.CreditTransaction
	require.NoError(t, conn.Where("id = ?", added.TransactionID).Take(&entry).Error)
	require.Equal(t, int64(120), entry.Amount)
	require.Equal(t, models.TransactionTypeSubscription, entry.Type)
	require.Equal(t, int64(120), entry.BalanceAfter)

	res, err := svc.ConsumeCredits(ctx, "u1", "face_swap", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(119), res.BalanceAfter)
	require.Equal(t, int64(1), res.AmountConsumed)

	var consumed models.CreditTransaction
	require.NoError(t, conn.Where("id = ?", res.TransactionID).Take(&consumed).Error)
	require.Equal(t, int64(-1), consumed.Amount)
	require.Equal(t, models.TransactionTypeConsumption, consumed.Type)
	require.Equal(t, int64(119), consumed.BalanceAfter)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(119), bal.Balance)
	require.Equal(t, int64(120), bal.TotalRecharged)
	require.Equal(t, int64(1), bal.TotalConsumed)
}

func TestConsumeWithZeroBalanceIsInsufficient(t *testing.T) {
	svc, conn := newTestService(t)
	res, err := svc.ConsumeCredits(context.Background(), "u1", "face_swap", "")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, ReasonInsufficientCredits, res.Reason)
	require.Equal(t, int64(0), res.Balance)
	require.Equal(t, int64(1), res.Required)

	var count int64
	require.NoError(t, conn.Model(&models.CreditTransaction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestAddCreditsRejectsNonPositiveAmounts(t *testing.T) {
	svc, conn := newTestService(t)
	for _, amount := range []int64{0, -5} {
		_, err := svc.AddCredits(context.Background(), AddParams{UserID: "u1", Amount: amount, Type: models.TransactionTypeBonus})
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
	var count int64
	require.NoError(t, conn.Model(&models.CreditTransaction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestAddCreditsRejectsDebitTypes(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AddCredits(context.Background(), AddParams{UserID: "u1", Amount: 5, Type: models.TransactionTypeConsumption})
	require.ErrorIs(t, err, ErrInvalidType)
	_, err = svc.AddCredits(context.Background(), AddParams{Amount: 5, Type: models.TransactionTypeBonus})
	require.ErrorIs(t, err, ErrEmptyUserID)
}

func TestAddCreditsRejectsSecondRechargeCredit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := AddParams{UserID: "u1", Amount: 100, Type: models.TransactionTypeRecharge, RelatedRechargeID: "r1"}
	_, err := svc.AddCredits(ctx, p)
	require.NoError(t, err)
	_, err = svc.AddCredits(ctx, p)
	require.ErrorIs(t, err, ErrDuplicateRechargeCredit)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)
}

func TestConsumeUnknownOrInactiveAction(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ConsumeCredits(context.Background(), "u1", "nope", "")
	require.ErrorIs(t, err, ErrUnknownActionType)
	_, err = svc.ConsumeCredits(context.Background(), "u1", "retired", "")
	require.ErrorIs(t, err, ErrUnknownActionType)
	_, err = svc.CheckSufficientCredits(context.Background(), "u1", "nope")
	require.ErrorIs(t, err, ErrUnknownActionType)
}

func TestConsumeStampsUpload(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	require.NoError(t, conn.Create(&models.Upload{ID: "up1", UserID: "u1", Status: "completed"}).Error)
	_, err := svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: 10, Type: models.TransactionTypeBonus})
	require.NoError(t, err)

	res, err := svc.ConsumeCredits(ctx, "u1", "hd_swap", "up1")
	require.NoError(t, err)
	require.True(t, res.Success)

	var upload models.Upload
	require.NoError(t, conn.Where("id = ?", "up1").Take(&upload).Error)
	require.Equal(t, int64(3), upload.CreditsConsumed)

	var entry models.CreditTransaction
	require.NoError(t, conn.Where("id = ?", res.TransactionID).Take(&entry).Error)
	require.NotNil(t, entry.RelatedUploadID)
	require.Equal(t, "up1", *entry.RelatedUploadID)
}

func TestCheckSufficientCredits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ok, err := svc.CheckSufficientCredits(ctx, "u1", "hd_swap")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: 3, Type: models.TransactionTypeBonus})
	require.NoError(t, err)
	ok, err = svc.CheckSufficientCredits(ctx, "u1", "hd_swap")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentConsumptionAllowsExactlyOne(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	_, err := svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: 1, Type: models.TransactionTypeBonus})
	require.NoError(t, err)

	const workers = 8
	results := make([]ConsumeResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.ConsumeCredits(ctx, "u1", "face_swap", "")
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Success {
			successes++
		} else {
			require.Equal(t, ReasonInsufficientCredits, results[i].Reason)
		}
	}
	require.Equal(t, 1, successes)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Balance)
	require.Equal(t, int64(0), ledgerSum(t, conn, "u1"))
}

func TestRandomOperationsKeepBalanceEqualToLedgerSum(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	types := []models.TransactionType{
		models.TransactionTypeRecharge,
		models.TransactionTypeBonus,
		models.TransactionTypeSubscription,
		models.TransactionTypeRefund,
	}
	actions := []string{"face_swap", "hd_swap"}

	for i := 0; i < 200; i++ {
		if rng.Intn(2) == 0 {
			_, err := svc.AddCredits(ctx, AddParams{
				UserID: "u1",
				Amount: int64(rng.Intn(5) + 1),
				Type:   types[rng.Intn(len(types))],
			})
			require.NoError(t, err)
		} else {
			_, err := svc.ConsumeCredits(ctx, "u1", actions[rng.Intn(len(actions))], "")
			require.NoError(t, err)
		}
		bal, err := svc.GetBalance(ctx, "u1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, bal.Balance, int64(0))
		require.Equal(t, ledgerSum(t, conn, "u1"), bal.Balance, "step %d", i)
		require.Equal(t, bal.TotalRecharged-bal.TotalConsumed, bal.Balance, "step %d", i)
	}
}

func TestTransactionHistoryNewestFirstWithPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: int64(i), Type: models.TransactionTypeBonus})
		require.NoError(t, err)
	}

	page, err := svc.TransactionHistory(ctx, "u1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(5), page[0].Amount)
	require.Equal(t, int64(15), page[0].BalanceAfter)
	require.Equal(t, int64(4), page[1].Amount)

	page, err = svc.TransactionHistory(ctx, "u1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, int64(1), page[0].Amount)

	all, err := svc.TransactionHistory(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestRecalculateBalanceRepairsDriftAndIsIdempotent(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	_, err := svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: 50, Type: models.TransactionTypeRecharge})
	require.NoError(t, err)
	_, err = svc.ConsumeCredits(ctx, "u1", "hd_swap", "")
	require.NoError(t, err)

	require.NoError(t, conn.Model(&models.CreditBalance{}).Where("user_id = ?", "u1").
		Updates(map[string]any{"balance": 999, "total_recharged": 999, "total_consumed": 0}).Error)

	first, err := svc.RecalculateBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(47), first.Balance)
	require.Equal(t, int64(50), first.TotalRecharged)
	require.Equal(t, int64(3), first.TotalConsumed)
	require.Equal(t, int64(999), first.Previous)
	require.Equal(t, int64(-952), first.Drift)

	second, err := svc.RecalculateBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, first.Balance, second.Balance)
	require.Equal(t, first.TotalRecharged, second.TotalRecharged)
	require.Equal(t, first.TotalConsumed, second.TotalConsumed)
	require.Zero(t, second.Drift)

	var count int64
	require.NoError(t, conn.Model(&models.CreditTransaction{}).Where("user_id = ?", "u1").Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestRecalculateRunsAlongsideConcurrentCredits(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.AddCredits(ctx, AddParams{UserID: "u1", Amount: 2, Type: models.TransactionTypeBonus})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.RecalculateBalance(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(20), bal.Balance)
	require.Equal(t, ledgerSum(t, conn, "u1"), bal.Balance)
}
