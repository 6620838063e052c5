package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Finance categories for ledger entries.
const (
	CategoryRevenue   = "REVENUE"
	CategoryExpense   = "EXPENSE"
	CategoryLiability = "LIABILITY"
	CategoryInternal  = "INTERNAL"
)

// Wallet buckets. A transaction type feeds at most one bucket.
const (
	BucketAffiliate = "affiliate"
	BucketReferral  = "referral"
	BucketReward    = "reward"
)

// Transaction types recorded in the finance ledger.
const (
	TxConversionRecorded = "CONVERSION_RECORDED"
	TxReferralEarned     = "REFERRAL_EARNED"
	TxSettlementCredit   = "SETTLEMENT_CREDIT"
	TxSettlementReversal = "SETTLEMENT_REVERSAL"
	TxReferralReversal   = "REFERRAL_REVERSAL"
	TxPayoutRequested    = "PAYOUT_REQUESTED"
	TxPayoutApproved     = "PAYOUT_APPROVED"
	TxPayoutPaid         = "PAYOUT_PAID"
	TxAdminAdjustment    = "ADMIN_ADJUSTMENT"
	TxRewardGranted      = "REWARD_GRANTED"
)

// TransactionTypeConfig describes how a transaction type posts to the ledger:
// which finance category it belongs to and which wallet bucket (if any) it
// feeds. Bucket is empty for entries that never touch a user wallet.
type TransactionTypeConfig struct {
	Category string
	Bucket   string
}

// TransactionTypes is the authoritative mapping. Unknown types are rejected
// by the ledger store.
var TransactionTypes = map[string]TransactionTypeConfig{
	TxConversionRecorded: {Category: CategoryRevenue, Bucket: BucketAffiliate},
	TxReferralEarned:     {Category: CategoryRevenue, Bucket: BucketReferral},
	TxSettlementCredit:   {Category: CategoryLiability, Bucket: BucketAffiliate},
	TxSettlementReversal: {Category: CategoryLiability, Bucket: BucketAffiliate},
	TxReferralReversal:   {Category: CategoryInternal, Bucket: BucketReferral},
	TxPayoutRequested:    {Category: CategoryLiability, Bucket: ""},
	TxPayoutApproved:     {Category: CategoryLiability, Bucket: ""},
	TxPayoutPaid:         {Category: CategoryExpense, Bucket: BucketAffiliate},
	TxAdminAdjustment:    {Category: CategoryInternal, Bucket: BucketAffiliate},
	TxRewardGranted:      {Category: CategoryInternal, Bucket: BucketReward},
}

// LedgerEntry is one immutable financial movement. Entries are append-only:
// a correction is always a new entry with the inverse sides, never an update.
type LedgerEntry struct {
	ID                   int64           `json:"id" db:"id"`
	TransactionType      string          `json:"transaction_type" db:"transaction_type"`
	Category             string          `json:"finance_category" db:"finance_category"`
	Bucket               *string         `json:"wallet_bucket,omitempty" db:"wallet_bucket"`
	AdminID              *int64          `json:"admin_id,omitempty" db:"admin_id"`
	UserID               *int64          `json:"user_id,omitempty" db:"user_id"`
	StoreID              *int64          `json:"store_id,omitempty" db:"store_id"`
	EntityType           *string         `json:"entity_type,omitempty" db:"entity_type"`
	EntityID             *string         `json:"entity_id,omitempty" db:"entity_id"`
	Debit                decimal.Decimal `json:"debit" db:"debit"`
	Credit               decimal.Decimal `json:"credit" db:"credit"`
	SystemProfitSnapshot decimal.Decimal `json:"system_profit_snapshot" db:"system_profit_snapshot"`
	Note                 string          `json:"note" db:"note"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Wallet is the materialized per-user balance cache. It is always
// re-derivable from ledger entries and is refreshed synchronously after every
// entry that touches one of its buckets.
type Wallet struct {
	UserID           int64           `json:"user_id" db:"user_id"`
	AffiliateBalance decimal.Decimal `json:"affiliate_balance" db:"affiliate_balance"`
	ReferralBalance  decimal.Decimal `json:"referral_balance" db:"referral_balance"`
	RewardBalance    decimal.Decimal `json:"reward_balance" db:"reward_balance"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// BucketColumn maps a wallet bucket to its materialized column on user_wallets.
func BucketColumn(bucket string) (string, bool) {
	switch bucket {
	case BucketAffiliate:
		return "affiliate_balance", true
	case BucketReferral:
		return "referral_balance", true
	case BucketReward:
		return "reward_balance", true
	}
	return "", false
}
