package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Referral link states. Blocked links never earn commission; flagged links
// earn but are held for manual review.
const (
	ReferralStatusPending  = "pending"
	ReferralStatusApproved = "approved"
	ReferralStatusBlocked  = "blocked"
	ReferralStatusFlagged  = "flagged"
)

// ReferralLink is the static referrer -> referee relationship. The cumulative
// earnings counter is mutated only by settlement and reversal.
type ReferralLink struct {
	ID                     int64           `json:"id" db:"id"`
	ReferrerUserID         int64           `json:"referrer_user_id" db:"referrer_user_id"`
	RefereeUserID          int64           `json:"referee_user_id" db:"referee_user_id"`
	ReferralCodeUsed       string          `json:"referral_code_used" db:"referral_code_used"`
	Status                 string          `json:"status" db:"status"`
	TotalEarnedFromReferee decimal.Decimal `json:"total_earned_from_referee" db:"total_earned_from_referee"`
	RegistrationIP         string          `json:"registration_ip" db:"registration_ip"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
}
