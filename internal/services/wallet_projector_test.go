package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/tagbro/affiliate-backend/internal/models"
)

func TestWalletProjector_RecomputeTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	projector := NewWalletProjector(db)

	t.Run("writes derived balance to materialized column", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(credit - debit\\), 0\\)").
			WithArgs(int64(42), models.BucketAffiliate).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("75.25"))
		mock.ExpectExec("INSERT INTO user_wallets \\(user_id, affiliate_balance, updated_at\\)").
			WithArgs(int64(42), decimal.NewFromFloat(75.25)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, err := db.Begin()
		assert.NoError(t, err)

		balance, err := projector.RecomputeTx(tx, 42, models.BucketAffiliate)
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromFloat(75.25)))
	})

	t.Run("rejects unknown bucket", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		_, err = projector.RecomputeTx(tx, 42, "savings")
		assert.Error(t, err)
	})
}

func TestWalletProjector_VerifyTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	projector := NewWalletProjector(db)

	t.Run("passes when derived matches materialized", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(credit - debit\\), 0\\)").
			WithArgs(int64(42), models.BucketAffiliate).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("50.00"))

		tx, err := db.Begin()
		assert.NoError(t, err)

		err = projector.VerifyTx(tx, 42, models.BucketAffiliate, decimal.NewFromInt(50))
		assert.NoError(t, err)
	})

	t.Run("flags drift between ledger and cache", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(credit - debit\\), 0\\)").
			WithArgs(int64(42), models.BucketAffiliate).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("50.00"))

		tx, err := db.Begin()
		assert.NoError(t, err)

		err = projector.VerifyTx(tx, 42, models.BucketAffiliate, decimal.NewFromInt(49))
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})
}

func TestWalletProjector_LockWalletTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	projector := NewWalletProjector(db)

	t.Run("creates missing row before locking", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO user_wallets \\(user_id\\)").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT user_id, affiliate_balance, referral_balance, reward_balance").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows(
				[]string{"user_id", "affiliate_balance", "referral_balance", "reward_balance", "updated_at"}).
				AddRow(42, "10.00", "2.50", "0", time.Now()))

		tx, err := db.Begin()
		assert.NoError(t, err)

		wallet, err := projector.LockWalletTx(tx, 42)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), wallet.UserID)
		assert.True(t, wallet.AffiliateBalance.Equal(decimal.NewFromInt(10)))
		assert.True(t, wallet.ReferralBalance.Equal(decimal.NewFromFloat(2.5)))
	})
}

func TestWalletProjector_GetWallet(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	projector := NewWalletProjector(db)

	t.Run("missing row reads as zero balances", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, affiliate_balance, referral_balance, reward_balance").
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows(
				[]string{"user_id", "affiliate_balance", "referral_balance", "reward_balance", "updated_at"}))

		wallet, err := projector.GetWallet(context.Background(), 99)
		assert.NoError(t, err)
		assert.True(t, wallet.AffiliateBalance.IsZero())
		assert.True(t, wallet.ReferralBalance.IsZero())
		assert.True(t, wallet.RewardBalance.IsZero())
	})
}
