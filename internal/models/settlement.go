package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementRecord lifecycle states. A record transitions active -> reverted
// exactly once and is never deleted.
const (
	SettlementStatusActive   = "active"
	SettlementStatusReverted = "reverted"
)

// Settlement record action types.
const (
	ActionSettlement       = "settlement"
	ActionReversal         = "reversal"
	ActionReferralEarning  = "referral_earning"
	ActionReferralReversal = "referral_reversal"
	ActionAdjustment       = "adjustment"
)

// SettlementRecord is the audit object produced by one settlement action.
// ParentRecordID links a referral commission record to the settlement that
// cascaded it, so a reversal can undo the exact recorded amount.
type SettlementRecord struct {
	ID              int64           `json:"id" db:"id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	AmountChanged   decimal.Decimal `json:"amount_changed" db:"amount_changed"`
	PreviousBalance decimal.Decimal `json:"previous_balance" db:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance" db:"new_balance"`
	ActionType      string          `json:"action_type" db:"action_type"`
	Reason          string          `json:"reason" db:"reason"`
	AdminID         *int64          `json:"admin_id,omitempty" db:"admin_id"`
	ParentRecordID  *int64          `json:"parent_record_id,omitempty" db:"parent_record_id"`
	Status          string          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
