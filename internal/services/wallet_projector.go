package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// WalletProjector derives per-user bucket balances from the ledger and keeps
// the materialized user_wallets columns in sync. It is a pure function of
// ledger state; its only side effect is writing the cached column.
type WalletProjector struct {
	db *sql.DB
}

func NewWalletProjector(db *sql.DB) *WalletProjector {
	return &WalletProjector{db: db}
}

// DerivedTx computes a bucket balance straight from the ledger.
func (p *WalletProjector) DerivedTx(tx *sql.Tx, userID int64, bucket string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(credit - debit), 0)
		FROM finance_ledger
		WHERE user_id = $1 AND wallet_bucket = $2
	`, userID, bucket).Scan(&balance)
	return balance, err
}

// RecomputeTx recomputes a bucket from the ledger and writes the materialized
// column. Called synchronously after every entry touching the bucket so reads
// never observe a stale value for longer than one settlement transaction.
func (p *WalletProjector) RecomputeTx(tx *sql.Tx, userID int64, bucket string) (decimal.Decimal, error) {
	column, ok := models.BucketColumn(bucket)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown wallet bucket: %s", bucket)
	}

	balance, err := p.DerivedTx(tx, userID, bucket)
	if err != nil {
		return decimal.Zero, err
	}

	_, err = tx.Exec(fmt.Sprintf(`
		INSERT INTO user_wallets (user_id, %s, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET %s = $2, updated_at = NOW()
	`, column, column), userID, balance)
	if err != nil {
		return decimal.Zero, err
	}

	return balance, nil
}

// Recompute runs RecomputeTx in its own bounded transaction.
func (p *WalletProjector) Recompute(ctx context.Context, userID int64, bucket string) (decimal.Decimal, error) {
	tx, err := beginTx(ctx, p.db)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()

	balance, err := p.RecomputeTx(tx, userID, bucket)
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// LockWalletTx takes an exclusive lock on a user's wallet row, creating the
// row first if the user has never had a balance. Callers lock multiple users
// in ascending user-id order.
func (p *WalletProjector) LockWalletTx(tx *sql.Tx, userID int64) (*models.Wallet, error) {
	_, err := tx.Exec(`
		INSERT INTO user_wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, err
	}

	w := &models.Wallet{}
	err = tx.QueryRow(`
		SELECT user_id, affiliate_balance, referral_balance, reward_balance, updated_at
		FROM user_wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.UserID, &w.AffiliateBalance, &w.ReferralBalance, &w.RewardBalance, &w.UpdatedAt)
	if err != nil {
		return nil, mapLockError(err)
	}
	return w, nil
}

// VerifyTx compares the ledger-derived balance against the materialized
// value. A mismatch means the wallet cache was mutated outside the projector;
// the transaction must halt rather than silently repair it.
func (p *WalletProjector) VerifyTx(tx *sql.Tx, userID int64, bucket string, materialized decimal.Decimal) error {
	derived, err := p.DerivedTx(tx, userID, bucket)
	if err != nil {
		return err
	}
	if !derived.Equal(materialized) {
		log.Printf("[WALLET] Invariant violation for user %d bucket %s: derived=%s materialized=%s",
			userID, bucket, derived, materialized)
		return ErrInvariantViolation
	}
	return nil
}

// GetWallet reads the materialized wallet row. Missing rows read as zero
// balances since absence of entries and a zero sum are indistinguishable.
func (p *WalletProjector) GetWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	w := &models.Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, affiliate_balance, referral_balance, reward_balance, updated_at
		FROM user_wallets
		WHERE user_id = $1
	`, userID).Scan(&w.UserID, &w.AffiliateBalance, &w.ReferralBalance, &w.RewardBalance, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		w.AffiliateBalance = decimal.Zero
		w.ReferralBalance = decimal.Zero
		w.RewardBalance = decimal.Zero
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}
