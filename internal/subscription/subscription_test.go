package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/faceswap-studio/creditcore/internal/db/dbtest"
	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/payment/paymenttest"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *paymenttest.Gateway, *ledger.Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	require.NoError(t, conn.Create(&models.SubscriptionPlan{
		PriceID: "price_monthly", Name: "Monthly", UnitAmount: 999, Currency: "usd", Interval: "month", Credits: 120, IsActive: true,
	}).Error)
	gw := paymenttest.New()
	ledgerSvc := ledger.NewService(conn, nil)
	return NewService(conn, ledgerSvc, gw, nil), gw, ledgerSvc, conn
}

func activeChange(action Action) Change {
	return Change{
		Action:             action,
		EventType:          "customer.subscription." + string(action),
		SubscriptionID:     "sub_1",
		CustomerID:         "cus_1",
		Status:             "active",
		PriceID:            "price_monthly",
		UnitAmount:         999,
		Currency:           "usd",
		Interval:           "month",
		CurrentPeriodStart: 1700000000,
	}
}

func TestApplyGrantsOncePerPeriod(t *testing.T) {
	svc, _, ledgerSvc, conn := newTestService(t)
	ctx := context.Background()
	require.NoError(t, conn.Create(&models.CustomerLink{StripeCustomerID: "cus_1", UserID: "u1", LinkedBy: "checkout"}).Error)

	first, err := svc.Apply(ctx, activeChange(ActionCreated))
	require.NoError(t, err)
	require.True(t, first.Granted)
	require.Equal(t, int64(120), first.Credits)

	again, err := svc.Apply(ctx, activeChange(ActionUpdated))
	require.NoError(t, err)
	require.True(t, again.Duplicate)

	bal, err := ledgerSvc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(120), bal.Balance)

	renewal := activeChange(ActionUpdated)
	renewal.CurrentPeriodStart += 30 * 24 * 3600
	next, err := svc.Apply(ctx, renewal)
	require.NoError(t, err)
	require.True(t, next.Granted)

	bal, err = ledgerSvc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(240), bal.Balance)

	var grants int64
	require.NoError(t, conn.Model(&models.SubscriptionGrant{}).Count(&grants).Error)
	require.Equal(t, int64(2), grants)
}

func TestApplyResolvesByEmailAndPersistsLink(t *testing.T) {
	svc, gw, _, conn := newTestService(t)
	require.NoError(t, conn.Create(&models.UserProfile{ID: "u7", Email: "alice@example.com"}).Error)
	gw.Emails["cus_1"] = "alice@example.com"

	res, err := svc.Apply(context.Background(), activeChange(ActionCreated))
	require.NoError(t, err)
	require.Equal(t, "u7", res.UserID)
	require.True(t, res.Granted)

	var link models.CustomerLink
	require.NoError(t, conn.Where("stripe_customer_id = ?", "cus_1").Take(&link).Error)
	require.Equal(t, "u7", link.UserID)
	require.Equal(t, LinkedByEmail, link.LinkedBy)
}

func TestApplyUnresolvedQueuesAndLinkGrants(t *testing.T) {
	svc, _, ledgerSvc, conn := newTestService(t)
	ctx := context.Background()

	res, err := svc.Apply(ctx, activeChange(ActionCreated))
	require.NoError(t, err)
	require.True(t, res.Unlinked)

	var sub models.Subscription
	require.NoError(t, conn.Where("stripe_subscription_id = ?", "sub_1").Take(&sub).Error)
	require.Nil(t, sub.UserID)

	queue, err := svc.ListUnlinked(ctx, false)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, "cus_1", queue[0].StripeCustomerID)

	linked, err := svc.Link(ctx, queue[0].ID, "u9")
	require.NoError(t, err)
	require.True(t, linked.Granted)

	bal, err := ledgerSvc.GetBalance(ctx, "u9")
	require.NoError(t, err)
	require.Equal(t, int64(120), bal.Balance)

	var linkedSub models.Subscription
	require.NoError(t, conn.Where("stripe_subscription_id = ?", "sub_1").Take(&linkedSub).Error)
	require.NotNil(t, linkedSub.UserID)
	require.Equal(t, "u9", *linkedSub.UserID)

	_, err = svc.Link(ctx, queue[0].ID, "u9")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = svc.Link(ctx, 9999, "u9")
	require.ErrorIs(t, err, ErrUnlinkedNotFound)

	queue, err = svc.ListUnlinked(ctx, false)
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestApplyUnmappedPriceNeedsReview(t *testing.T) {
	svc, _, ledgerSvc, conn := newTestService(t)
	ctx := context.Background()
	require.NoError(t, conn.Create(&models.CustomerLink{StripeCustomerID: "cus_1", UserID: "u1", LinkedBy: "checkout"}).Error)

	change := activeChange(ActionCreated)
	change.PriceID = "price_unknown"
	change.UnitAmount = 1234
	res, err := svc.Apply(ctx, change)
	require.NoError(t, err)
	require.True(t, res.NeedsReview)
	require.False(t, res.Granted)

	var sub models.Subscription
	require.NoError(t, conn.Where("stripe_subscription_id = ?", "sub_1").Take(&sub).Error)
	require.Contains(t, sub.ReviewReason, "price_unknown")

	bal, err := ledgerSvc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, bal.Balance)
}

func TestDeletedSubscriptionIsTerminal(t *testing.T) {
	svc, _, ledgerSvc, conn := newTestService(t)
	ctx := context.Background()
	require.NoError(t, conn.Create(&models.CustomerLink{StripeCustomerID: "cus_1", UserID: "u1", LinkedBy: "checkout"}).Error)

	deleted := activeChange(ActionDeleted)
	deleted.Status = "canceled"
	_, err := svc.Apply(ctx, deleted)
	require.NoError(t, err)

	late, err := svc.Apply(ctx, activeChange(ActionUpdated))
	require.NoError(t, err)
	require.True(t, late.Stale)
	require.False(t, late.Granted)

	var sub models.Subscription
	require.NoError(t, conn.Where("stripe_subscription_id = ?", "sub_1").Take(&sub).Error)
	require.Equal(t, "canceled", sub.Status)
	require.NotNil(t, sub.CanceledAt)

	bal, err := ledgerSvc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, bal.Balance)
}

func TestResolvePropagatesTransientGatewayErrors(t *testing.T) {
	svc, gw, _, _ := newTestService(t)
	gw.Emails = nil
	svc.gateway = failingGateway{gw}
	_, err := svc.Resolve(context.Background(), "cus_1")
	require.Error(t, err)
}

type failingGateway struct {
	*paymenttest.Gateway
}

func (failingGateway) CustomerEmail(context.Context, string) (string, error) {
	return "", errors.New("connection reset")
}
