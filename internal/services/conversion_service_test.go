package services

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func expectIngestWalletLock(mock sqlmock.Sqlmock, userID int64, affiliate string) {
	mock.ExpectExec("INSERT INTO user_wallets \\(user_id\\)").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, affiliate_balance, referral_balance, reward_balance").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(
			[]string{"user_id", "affiliate_balance", "referral_balance", "reward_balance", "updated_at"}).
			AddRow(userID, affiliate, "0", "0", time.Now()))
}

func expectClickLookup(mock sqlmock.Sqlmock, clickID string, userID int64) {
	mock.ExpectQuery("SELECT id, clickid, user_id, campaign_id").
		WithArgs(clickID).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "clickid", "user_id", "campaign_id", "coupon_url",
				"final_redirect_url", "ip_address", "user_agent", "created_at"}).
			AddRow(5, clickID, userID, nil, "https://example.com/deal",
				"https://example.com/deal?clickid="+clickID, "", "", time.Now()))
}

func TestConversionService_Ingest(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewConversionService(db, nil)

	t.Run("accepted event records conversion, ledger entry and wallet", func(t *testing.T) {
		expectClickLookup(mock, "CHECK2026082900000042", 42)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		// Wallet row is locked before any ledger work, mirroring settlement.
		expectIngestWalletLock(mock, 42, "0")
		mock.ExpectQuery("INSERT INTO conversions").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, time.Now()))
		mock.ExpectQuery("SELECT system_profit FROM ledger_position").
			WillReturnRows(sqlmock.NewRows([]string{"system_profit"}).AddRow("0"))
		mock.ExpectQuery("INSERT INTO finance_ledger").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
		mock.ExpectExec("UPDATE ledger_position").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(credit - debit\\), 0\\)").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("10.00"))
		mock.ExpectExec("INSERT INTO user_wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.Ingest(context.Background(), map[string]string{
			"clickid":  "CHECK2026082900000042",
			"order_id": "ORD-1001",
			"payout":   "100.00",
		}, "postback")
		assert.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Equal(t, int64(9), result.Conversion.ID)
		// No explicit commission: falls back to the configured payout share.
		assert.True(t, result.Conversion.Commission.Equal(decimal.NewFromInt(10)))
	})

	t.Run("replayed order id is rejected without side effects", func(t *testing.T) {
		expectClickLookup(mock, "CHECK2026082900000042", 42)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		expectIngestWalletLock(mock, 42, "0")
		mock.ExpectQuery("INSERT INTO conversions").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Ingest(context.Background(), map[string]string{
			"clickid":  "CHECK2026082900000042",
			"order_id": "ORD-1001",
			"payout":   "100.00",
		}, "postback")
		assert.ErrorIs(t, err, ErrDuplicateEvent)
	})

	t.Run("deadlock abort surfaces as retryable", func(t *testing.T) {
		expectClickLookup(mock, "CHECK2026082900000042", 42)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO user_wallets \\(user_id\\)").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT user_id, affiliate_balance, referral_balance, reward_balance").
			WithArgs(int64(42)).
			WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()

		_, err := service.Ingest(context.Background(), map[string]string{
			"clickid":  "CHECK2026082900000042",
			"order_id": "ORD-1001",
			"payout":   "100.00",
		}, "postback")
		assert.ErrorIs(t, err, ErrConcurrencyTimeout)
	})

	t.Run("test probe with unknown click is accepted and discarded", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, clickid, user_id, campaign_id").
			WithArgs("TST00001").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		result, err := service.Ingest(context.Background(), map[string]string{
			"clickid": "TST00001",
			"payout":  "50.00",
		}, "postback")
		assert.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Nil(t, result.Conversion)
	})

	t.Run("unknown real click is rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, clickid, user_id, campaign_id").
			WithArgs("CHECK2026082999999999").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.Ingest(context.Background(), map[string]string{
			"clickid": "CHECK2026082999999999",
			"payout":  "50.00",
		}, "postback")
		assert.ErrorIs(t, err, ErrUnknownClick)
	})

	t.Run("missing click identifier is an error", func(t *testing.T) {
		_, err := service.Ingest(context.Background(), map[string]string{
			"payout": "50.00",
		}, "postback")
		assert.Error(t, err)
	})
}

func TestConversionService_HandlePostback(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewConversionService(db, nil)

	t.Run("duplicate reports success so networks stop retrying", func(t *testing.T) {
		expectClickLookup(mock, "CHECK2026082900000001", 7)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		expectIngestWalletLock(mock, 7, "0")
		mock.ExpectQuery("INSERT INTO conversions").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		req := httptest.NewRequest("GET",
			"/postback?clickid=CHECK2026082900000001&order_id=ORD-2&payout=10", nil)
		w := httptest.NewRecorder()

		service.HandlePostback(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "OK - Duplicate Ignored", w.Body.String())
	})

	t.Run("missing clickid yields 400", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/postback?payout=10", nil)
		w := httptest.NewRecorder()

		service.HandlePostback(w, req)

		assert.Equal(t, 400, w.Code)
	})
}

func TestConversionService_HandlePixel(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewConversionService(db, nil)

	t.Run("pixel without order id is rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/pixel?clickid=CHECK2026082900000001", nil)
		w := httptest.NewRecorder()

		service.HandlePixel(w, req)

		assert.Equal(t, 400, w.Code)
	})
}

func TestResolveAlias(t *testing.T) {
	t.Run("accepts any known alias case-insensitively", func(t *testing.T) {
		assert.Equal(t, "abc", resolveAlias(map[string]string{"Sub_ID": "abc"}, clickIDAliases))
		assert.Equal(t, "abc", resolveAlias(map[string]string{"CID": "abc"}, clickIDAliases))
		assert.Equal(t, "o1", resolveAlias(map[string]string{"orderid": "o1"}, orderIDAliases))
	})

	t.Run("earlier aliases win", func(t *testing.T) {
		event := map[string]string{"clickid": "first", "sub_id": "second"}
		assert.Equal(t, "first", resolveAlias(event, clickIDAliases))
	})

	t.Run("empty when nothing matches", func(t *testing.T) {
		assert.Equal(t, "", resolveAlias(map[string]string{"foo": "bar"}, clickIDAliases))
	})
}

func TestResolveAmount(t *testing.T) {
	t.Run("parses decimal values", func(t *testing.T) {
		amount := resolveAmount(map[string]string{"payout": "12.34"}, amountAliases)
		assert.True(t, amount.Equal(decimal.NewFromFloat(12.34)))
	})

	t.Run("negative and malformed amounts read as zero", func(t *testing.T) {
		assert.True(t, resolveAmount(map[string]string{"payout": "-5"}, amountAliases).IsZero())
		assert.True(t, resolveAmount(map[string]string{"payout": "abc"}, amountAliases).IsZero())
	})
}

func TestIsTestTraffic(t *testing.T) {
	assert.True(t, isTestTraffic("abc", map[string]string{"test": "1"}))
	assert.True(t, isTestTraffic("abc", map[string]string{"isTest": "TRUE"}))
	assert.True(t, isTestTraffic("my-TEST-click", map[string]string{}))
	assert.True(t, isTestTraffic("CLNK123", map[string]string{}))
	assert.True(t, isTestTraffic("trk_123", map[string]string{}))
	assert.False(t, isTestTraffic("CHECK2026082900000042", map[string]string{}))
}
