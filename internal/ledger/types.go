package ledger

import (
	"encoding/json"
	"time"

	"github.com/faceswap-studio/creditcore/internal/models"
)

// ReasonInsufficientCredits is the failure reason of a rejected consumption.
const ReasonInsufficientCredits = "insufficient_credits"

// AddParams describes a credit to a user's balance.
type AddParams struct {
	UserID            string
	Amount            int64
	Type              models.TransactionType
	Description       string
	Metadata          map[string]any
	RelatedRechargeID string
}

// AddResult is the outcome of a committed credit.
type AddResult struct {
	NewBalance    int64  `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
}

// ConsumeResult is the outcome of a consumption attempt. Insufficient credits is reported with
// Success false, never as an error.
type ConsumeResult struct {
	Success        bool   `json:"success"`
	Reason         string `json:"reason,omitempty"`
	BalanceAfter   int64  `json:"balance_after,omitempty"`
	AmountConsumed int64  `json:"amount_consumed,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	Balance        int64  `json:"balance"`
	Required       int64  `json:"required"`
}

// Balance is a user's balance snapshot.
type Balance struct {
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"balance"`
	TotalRecharged int64     `json:"total_recharged"`
	TotalConsumed  int64     `json:"total_consumed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is a ledger entry as returned to callers.
type Transaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Type              string          `json:"type"`
	Amount            int64           `json:"amount"`
	BalanceAfter      int64           `json:"balance_after"`
	Description       string          `json:"description"`
	RelatedRechargeID *string         `json:"related_recharge_id,omitempty"`
	RelatedUploadID   *string         `json:"related_upload_id,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Recalculation reports a balance rebuilt from the transaction log.
type Recalculation struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	TotalRecharged int64  `json:"total_recharged"`
	TotalConsumed  int64  `json:"total_consumed"`
	Previous       int64  `json:"previous_balance"`
	Drift          int64  `json:"drift"`
}

func balanceFromModel(row models.CreditBalance) Balance {
	return Balance{
		UserID:         row.UserID,
		Balance:        row.Balance,
		TotalRecharged: row.TotalRecharged,
		TotalConsumed:  row.TotalConsumed,
		UpdatedAt:      row.UpdatedAt,
	}
}

func transactionFromModel(row models.CreditTransaction) Transaction {
	out := Transaction{
		ID:                row.ID,
		UserID:            row.UserID,
		Type:              string(row.Type),
		Amount:            row.Amount,
		BalanceAfter:      row.BalanceAfter,
		Description:       row.Description,
		RelatedRechargeID: row.RelatedRechargeID,
		RelatedUploadID:   row.RelatedUploadID,
		CreatedAt:         row.CreatedAt,
	}
	if len(row.Metadata) > 0 {
		out.Metadata = json.RawMessage(row.Metadata)
	}
	return out
}
