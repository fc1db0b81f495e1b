// Package reconcile detects drift between recharges, the transaction log and balance snapshots,
// and repairs it on explicit request. Detection never writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faceswap-studio/creditcore/internal/config"
	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/metrics"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/faceswap-studio/creditcore/internal/payment"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/settings"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Repair actions accepted by the admin API.
const (
	ActionFixOrphanedRecharges = "fix_orphaned_recharges"
	ActionRetryFailedPayments  = "retry_failed_payments"
	ActionRecalculateBalance   = "recalculate_balance"
	ActionFixSpecificRecharge  = "fix_specific_recharge"
)

// ErrNotRepairable is returned when a recharge has no confirmed payment to complete it with.
var ErrNotRepairable = errors.New("reconcile: recharge is not repairable")

const recentWindow = 24 * time.Hour

// RechargeInfo describes a recharge found by a drift query.
type RechargeInfo struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	PackageID       string     `json:"package_id"`
	Credits         int64      `json:"credits"`
	Status          string     `json:"status"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RepairReport is the outcome of one repair.
type RepairReport struct {
	RechargeID string `json:"recharge_id"`
	UserID     string `json:"user_id,omitempty"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	NewBalance int64  `json:"new_balance,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Health is an aggregate drift snapshot.
type Health struct {
	RecentRechargeCount   int64     `json:"recent_recharge_count"`
	OrphanedCount         int64     `json:"orphaned_count"`
	StalePendingCount     int64     `json:"stale_pending_count"`
	UnlinkedSubscriptions int64     `json:"unlinked_subscriptions"`
	FailedWebhookEvents   int64     `json:"failed_webhook_events"`
	HealthStatus          string    `json:"health_status"`
	CheckedAt             time.Time `json:"checked_at"`
}

// Options wires a Service. Settings and Metrics are optional.
type Options struct {
	DB            *gorm.DB
	Ledger        *ledger.Service
	Recharges     *recharge.Manager
	Subscriptions *subscription.Service
	Gateway       payment.Gateway
	Settings      *settings.Store
	Config        config.ReconcileConfig
	Metrics       *metrics.Metrics
}

// Service runs reconciliation reads and repairs.
type Service struct {
	db            *gorm.DB
	ledger        *ledger.Service
	recharges     *recharge.Manager
	subscriptions *subscription.Service
	gateway       payment.Gateway
	settings      *settings.Store
	cfg           config.ReconcileConfig
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewService builds a reconciliation service.
func NewService(opts Options) *Service {
	gw := opts.Gateway
	if gw == nil {
		gw = payment.Disabled{}
	}
	cfg := opts.Config
	if cfg.OrphanLookback <= 0 {
		cfg.OrphanLookback = 30 * 24 * time.Hour
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = 10 * time.Minute
	}
	return &Service{
		db:            opts.DB,
		ledger:        opts.Ledger,
		recharges:     opts.Recharges,
		subscriptions: opts.Subscriptions,
		gateway:       gw,
		settings:      opts.Settings,
		cfg:           cfg,
		metrics:       opts.Metrics,
		now:           time.Now,
	}
}

// OrphanLookback is the effective orphan search window.
func (s *Service) OrphanLookback() time.Duration {
	if s.settings == nil {
		return s.cfg.OrphanLookback
	}
	return s.settings.Duration(settings.OrphanLookbackDaysKey, 24*time.Hour, s.cfg.OrphanLookback)
}

// StalePendingAfter is the effective stale pending threshold.
func (s *Service) StalePendingAfter() time.Duration {
	if s.settings == nil {
		return s.cfg.StalePendingAfter
	}
	return s.settings.Duration(settings.StalePendingMinutesKey, time.Minute, s.cfg.StalePendingAfter)
}

func (s *Service) orphanQuery(ctx context.Context, userID string) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.Recharge{}).
		Where("status = ? AND created_at >= ?", models.RechargeStatusCompleted, s.now().UTC().Add(-s.OrphanLookback())).
		Where("NOT EXISTS (SELECT 1 FROM credit_transactions ct WHERE ct.related_recharge_id = recharges.id AND ct.type = ?)", models.TransactionTypeRecharge)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	return q
}

func (s *Service) staleQuery(ctx context.Context, olderThan time.Duration) *gorm.DB {
	if olderThan <= 0 {
		olderThan = s.StalePendingAfter()
	}
	return s.db.WithContext(ctx).Model(&models.Recharge{}).
		Where("status = ? AND created_at < ?", models.RechargeStatusPending, s.now().UTC().Add(-olderThan))
}

// FindOrphanedRecharges lists completed recharges without a recharge transaction inside the
// lookback window, optionally for one user.
func (s *Service) FindOrphanedRecharges(ctx context.Context, userID string) ([]RechargeInfo, error) {
	var rows []models.Recharge
	if errFind := s.orphanQuery(ctx, userID).Order("created_at ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("reconcile: find orphaned recharges: %w", errFind)
	}
	return infos(rows), nil
}

// FindStalePendingRecharges lists recharges pending longer than olderThan, or the configured
// threshold when olderThan is not positive.
func (s *Service) FindStalePendingRecharges(ctx context.Context, olderThan time.Duration) ([]RechargeInfo, error) {
	var rows []models.Recharge
	if errFind := s.staleQuery(ctx, olderThan).Order("created_at ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("reconcile: find stale recharges: %w", errFind)
	}
	return infos(rows), nil
}

// RepairOrphanedRecharge runs the completion path for one recharge. Completed recharges are
// credited if their ledger entry is missing; pending ones only when the processor confirms the
// payment succeeded.
func (s *Service) RepairOrphanedRecharge(ctx context.Context, rechargeID string) (RepairReport, error) {
	report := RepairReport{RechargeID: rechargeID, Action: ActionFixSpecificRecharge}
	var rec models.Recharge
	if errFind := s.db.WithContext(ctx).Where("id = ?", rechargeID).Take(&rec).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return report, recharge.ErrRechargeNotFound
		}
		return report, fmt.Errorf("reconcile: load recharge: %w", errFind)
	}
	report.UserID = rec.UserID

	var res recharge.CompletionResult
	var errComplete error
	switch rec.Status {
	case models.RechargeStatusCompleted:
		res, errComplete = s.recharges.RepairRecharge(ctx, rec.ID)
	case models.RechargeStatusPending:
		if rec.PaymentIntentID == nil {
			return report, fmt.Errorf("%w: pending without payment reference", ErrNotRepairable)
		}
		status, errStatus := s.gateway.PaymentIntentStatus(ctx, *rec.PaymentIntentID)
		if errStatus != nil {
			return report, errStatus
		}
		if status != payment.StatusSucceeded {
			return report, fmt.Errorf("%w: payment intent is %s", ErrNotRepairable, status)
		}
		res, errComplete = s.recharges.CompleteRecharge(ctx, rec.ID, *rec.PaymentIntentID)
	default:
		return report, fmt.Errorf("%w: recharge is %s", ErrNotRepairable, rec.Status)
	}
	if errComplete != nil {
		s.metrics.Repair(ActionFixSpecificRecharge, "error")
		return report, errComplete
	}
	report.Success = res.Success
	report.Duplicate = res.Duplicate
	report.NewBalance = res.NewBalance
	outcome := "repaired"
	if res.Duplicate {
		outcome = "noop"
	}
	s.metrics.Repair(ActionFixSpecificRecharge, outcome)
	log.WithFields(log.Fields{"recharge_id": rec.ID, "user_id": rec.UserID, "outcome": outcome}).Info("reconcile: recharge repair")
	return report, nil
}

// FixOrphanedRecharges repairs every orphaned recharge, optionally for one user.
func (s *Service) FixOrphanedRecharges(ctx context.Context, userID string) ([]RepairReport, error) {
	orphans, errFind := s.FindOrphanedRecharges(ctx, userID)
	if errFind != nil {
		return nil, errFind
	}
	reports := make([]RepairReport, 0, len(orphans))
	for _, orphan := range orphans {
		report, errRepair := s.RepairOrphanedRecharge(ctx, orphan.ID)
		report.Action = ActionFixOrphanedRecharges
		if errRepair != nil {
			report.Error = errRepair.Error()
			log.WithError(errRepair).WithField("recharge_id", orphan.ID).Warn("reconcile: orphan repair failed")
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RetryFailedPayments asks the processor about stale pending recharges: succeeded payments are
// completed, canceled ones are marked failed, anything else is left pending.
func (s *Service) RetryFailedPayments(ctx context.Context) ([]RepairReport, error) {
	var rows []models.Recharge
	if errFind := s.staleQuery(ctx, 0).
		Where("payment_intent_id IS NOT NULL").
		Order("created_at ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("reconcile: find stale recharges: %w", errFind)
	}
	reports := make([]RepairReport, 0, len(rows))
	for _, rec := range rows {
		report := RepairReport{RechargeID: rec.ID, UserID: rec.UserID, Action: ActionRetryFailedPayments}
		status, errStatus := s.gateway.PaymentIntentStatus(ctx, *rec.PaymentIntentID)
		if errStatus != nil {
			report.Error = errStatus.Error()
			reports = append(reports, report)
			continue
		}
		switch status {
		case payment.StatusSucceeded:
			res, errComplete := s.recharges.CompleteRecharge(ctx, rec.ID, *rec.PaymentIntentID)
			if errComplete != nil {
				report.Error = errComplete.Error()
				break
			}
			report.Success = true
			report.Duplicate = res.Duplicate
			report.NewBalance = res.NewBalance
			s.metrics.Repair(ActionRetryFailedPayments, "completed")
		case payment.StatusCanceled:
			if errFail := s.recharges.FailRecharge(ctx, rec.ID, "payment intent canceled"); errFail != nil {
				report.Error = errFail.Error()
				break
			}
			report.Success = true
			s.metrics.Repair(ActionRetryFailedPayments, "failed")
		default:
			report.Error = "payment intent is " + status
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RecalculateBalance rebuilds one user's balance from the transaction log.
func (s *Service) RecalculateBalance(ctx context.Context, userID string) (ledger.Recalculation, error) {
	res, errRecalc := s.ledger.RecalculateBalance(ctx, userID)
	if errRecalc != nil {
		s.metrics.Repair(ActionRecalculateBalance, "error")
		return res, errRecalc
	}
	outcome := "noop"
	if res.Drift != 0 {
		outcome = "repaired"
	}
	s.metrics.Repair(ActionRecalculateBalance, outcome)
	return res, nil
}

// LinkSubscription resolves an unlinked subscription to a user.
func (s *Service) LinkSubscription(ctx context.Context, unlinkedID uint64, userID string) (subscription.Result, error) {
	res, errLink := s.subscriptions.Link(ctx, unlinkedID, userID)
	if errLink != nil {
		return res, errLink
	}
	s.metrics.Repair("link_subscription", "linked")
	return res, nil
}

// SystemHealthSnapshot counts drift indicators. The status is healthy only when there are no
// orphaned and no stale pending recharges.
func (s *Service) SystemHealthSnapshot(ctx context.Context) (Health, error) {
	now := s.now().UTC()
	h := Health{CheckedAt: now}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.Recharge{}).
			Where("created_at >= ?", now.Add(-recentWindow)).
			Count(&h.RecentRechargeCount).Error
	})
	g.Go(func() error {
		return s.orphanQuery(gctx, "").Count(&h.OrphanedCount).Error
	})
	g.Go(func() error {
		return s.staleQuery(gctx, 0).Count(&h.StalePendingCount).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.UnlinkedSubscription{}).
			Where("resolved_at IS NULL").
			Count(&h.UnlinkedSubscriptions).Error
	})
	g.Go(func() error {
		return s.db.WithContext(gctx).Model(&models.WebhookEvent{}).
			Where("status = ? AND updated_at >= ?", models.WebhookEventStatusFailed, now.Add(-recentWindow)).
			Count(&h.FailedWebhookEvents).Error
	})
	if errWait := g.Wait(); errWait != nil {
		return Health{}, fmt.Errorf("reconcile: health snapshot: %w", errWait)
	}
	h.HealthStatus = StatusHealthy
	if h.OrphanedCount > 0 || h.StalePendingCount > 0 {
		h.HealthStatus = StatusDegraded
	}
	return h, nil
}

func infos(rows []models.Recharge) []RechargeInfo {
	out := make([]RechargeInfo, 0, len(rows))
	for _, rec := range rows {
		info := RechargeInfo{
			ID:          rec.ID,
			UserID:      rec.UserID,
			PackageID:   rec.PackageID,
			Credits:     rec.Credits,
			Status:      string(rec.Status),
			CreatedAt:   rec.CreatedAt,
			CompletedAt: rec.CompletedAt,
		}
		if rec.PaymentIntentID != nil {
			info.PaymentIntentID = *rec.PaymentIntentID
		}
		out = append(out, info)
	}
	return out
}
