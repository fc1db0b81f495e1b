// Package swap gates face swaps on credits: the external image call runs first and credits are
// consumed only after it succeeds.
package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ActionFaceSwap is the consumption config key charged per swap.
const ActionFaceSwap = "face_swap"

// Upload statuses.
const (
	UploadProcessing          = "processing"
	UploadCompleted           = "completed"
	UploadFailed              = "failed"
	UploadInsufficientCredits = "insufficient_credits"
)

var (
	// ErrSwapFailed wraps a failed or timed out image API call.
	ErrSwapFailed = errors.New("swap: face swap failed")
	// ErrInvalidRequest is returned for a request without both images.
	ErrInvalidRequest = errors.New("swap: source and target images are required")
)

// Result is the outcome of Run. Credits carries the ledger result; when Credits.Success is false
// the swap output is withheld.
type Result struct {
	UploadID  string               `json:"upload_id"`
	ResultURL string               `json:"result_url,omitempty"`
	Credits   ledger.ConsumeResult `json:"credits"`
}

// Service runs credit-gated face swaps.
type Service struct {
	db      *gorm.DB
	ledger  *ledger.Service
	swapper Swapper
	timeout time.Duration
}

// NewService wires the gate. timeout bounds the external call.
func NewService(db *gorm.DB, ledgerSvc *ledger.Service, swapper Swapper, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{db: db, ledger: ledgerSvc, swapper: swapper, timeout: timeout}
}

// Run checks credits, performs the swap and consumes credits after it succeeded. A failure or
// timeout of the swap leaves the ledger untouched.
func (s *Service) Run(ctx context.Context, userID, uploadID string, req Request) (Result, error) {
	if strings.TrimSpace(req.SourceImageURL) == "" || strings.TrimSpace(req.TargetImageURL) == "" {
		return Result{}, ErrInvalidRequest
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	result := Result{UploadID: uploadID}

	ok, errCheck := s.ledger.CheckSufficientCredits(ctx, userID, ActionFaceSwap)
	if errCheck != nil {
		return result, errCheck
	}
	if !ok {
		bal, errBalance := s.ledger.GetBalance(ctx, userID)
		if errBalance != nil {
			return result, errBalance
		}
		cost, errCost := s.ledger.ActionCost(ctx, ActionFaceSwap)
		if errCost != nil {
			return result, errCost
		}
		result.Credits = ledger.ConsumeResult{
			Reason:   ledger.ReasonInsufficientCredits,
			Balance:  bal.Balance,
			Required: cost,
		}
		return result, nil
	}

	upload := models.Upload{ID: uploadID, UserID: userID, Status: UploadProcessing}
	if errCreate := s.db.WithContext(ctx).Create(&upload).Error; errCreate != nil {
		return result, fmt.Errorf("swap: create upload: %w", errCreate)
	}

	swapCtx, cancel := context.WithTimeout(ctx, s.timeout)
	out, errSwap := s.swapper.Swap(swapCtx, req)
	cancel()
	if errSwap != nil {
		s.setStatus(ctx, uploadID, UploadFailed, "")
		log.WithError(errSwap).WithFields(log.Fields{"user_id": userID, "upload_id": uploadID}).Warn("swap: image api call failed")
		return result, fmt.Errorf("%w: %v", ErrSwapFailed, errSwap)
	}

	consumed, errConsume := s.ledger.ConsumeCredits(ctx, userID, ActionFaceSwap, uploadID)
	if errConsume != nil {
		s.setStatus(ctx, uploadID, UploadFailed, "")
		return result, errConsume
	}
	result.Credits = consumed
	if !consumed.Success {
		s.setStatus(ctx, uploadID, UploadInsufficientCredits, "")
		return result, nil
	}
	s.setStatus(ctx, uploadID, UploadCompleted, out.ResultURL)
	result.ResultURL = out.ResultURL
	return result, nil
}

func (s *Service) setStatus(ctx context.Context, uploadID, status, resultURL string) {
	updates := map[string]any{"status": status, "updated_at": time.Now().UTC()}
	if resultURL != "" {
		updates["result_url"] = resultURL
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.Upload{}).Where("id = ?", uploadID).Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("upload_id", uploadID).Warn("swap: update upload status")
	}
}
