package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Conversion payout states.
const (
	PayoutStatusPending  = "pending"
	PayoutStatusApproved = "approved"
)

// Conversion is one externally reported sale/lead tied to a click.
type Conversion struct {
	ID                 int64            `json:"id" db:"id"`
	ClickID            string           `json:"clickid" db:"clickid"`
	ClickRowID         int64            `json:"click_id" db:"click_id"`
	OrderID            *string          `json:"order_id,omitempty" db:"order_id"`
	Payout             decimal.Decimal  `json:"payout" db:"payout"`
	Commission         decimal.Decimal  `json:"commission" db:"commission"`
	PayoutStatus       string           `json:"payout_status" db:"payout_status"`
	ActualPaidAmount   *decimal.Decimal `json:"actual_paid_amount,omitempty" db:"actual_paid_amount"`
	SettlementRecordID *int64           `json:"settlement_record_id,omitempty" db:"settlement_record_id"`
	ReleaseDate        *time.Time       `json:"release_date,omitempty" db:"release_date"`
	Source             string           `json:"source" db:"source"`
	PostbackPayload    string           `json:"postback_payload" db:"postback_payload"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
}

// Click is a tracked outbound click owned by a user. The ingestion path only
// reads clicks; they are created by the click-tracking endpoint.
type Click struct {
	ID               int64     `json:"id" db:"id"`
	ClickID          string    `json:"clickid" db:"clickid"`
	UserID           *int64    `json:"user_id,omitempty" db:"user_id"`
	CampaignID       *int64    `json:"campaign_id,omitempty" db:"campaign_id"`
	CouponURL        string    `json:"coupon_url" db:"coupon_url"`
	FinalRedirectURL string    `json:"final_redirect_url" db:"final_redirect_url"`
	IPAddress        string    `json:"ip_address" db:"ip_address"`
	UserAgent        string    `json:"user_agent" db:"user_agent"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
