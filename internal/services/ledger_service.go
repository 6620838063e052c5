package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// LedgerService is the append-only store for financial movements. Entries are
// never updated or deleted; a correction is a new entry with the inverse
// sides referencing the same entity.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// EntryInput describes one movement to append. Amount is signed: positive
// posts a credit, negative posts a debit, zero posts an informational row.
type EntryInput struct {
	TransactionType string
	Amount          decimal.Decimal
	AdminID         *int64
	UserID          *int64
	StoreID         *int64
	EntityType      string
	EntityID        string
	Note            string
}

// AppendTx appends one entry inside the caller's transaction. The running
// system profit snapshot is read and advanced while holding a FOR UPDATE lock
// on the ledger_position row, which serializes all appends so that snapshot N
// always equals snapshot N-1 plus (credit - debit) of entry N.
func (s *LedgerService) AppendTx(tx *sql.Tx, in EntryInput) (*models.LedgerEntry, error) {
	config, ok := models.TransactionTypes[in.TransactionType]
	if !ok {
		return nil, fmt.Errorf("unknown transaction type: %s", in.TransactionType)
	}

	var credit, debit decimal.Decimal
	if in.Amount.IsNegative() {
		debit = in.Amount.Neg()
	} else {
		credit = in.Amount
	}

	var currentProfit decimal.Decimal
	err := tx.QueryRow(`
		SELECT system_profit FROM ledger_position
		WHERE id = 1
		FOR UPDATE
	`).Scan(&currentProfit)
	if err != nil {
		return nil, mapLockError(err)
	}

	newProfit := currentProfit.Add(credit).Sub(debit)

	entry := &models.LedgerEntry{
		TransactionType:      in.TransactionType,
		Category:             config.Category,
		AdminID:              in.AdminID,
		UserID:               in.UserID,
		StoreID:              in.StoreID,
		Debit:                debit,
		Credit:               credit,
		SystemProfitSnapshot: newProfit,
		Note:                 in.Note,
	}
	var bucket *string
	if config.Bucket != "" {
		b := config.Bucket
		bucket = &b
	}
	entry.Bucket = bucket
	var entityType, entityID *string
	if in.EntityType != "" {
		entityType = &in.EntityType
	}
	if in.EntityID != "" {
		entityID = &in.EntityID
	}
	entry.EntityType = entityType
	entry.EntityID = entityID

	err = tx.QueryRow(`
		INSERT INTO finance_ledger
		(transaction_type, finance_category, wallet_bucket, admin_id, user_id,
		 store_id, entity_type, entity_id, debit, credit, system_profit_snapshot, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, entry.TransactionType, entry.Category, bucket, in.AdminID, in.UserID,
		in.StoreID, entityType, entityID, debit, credit, newProfit, in.Note,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE ledger_position
		SET system_profit = $1, updated_at = NOW()
		WHERE id = 1
	`, newProfit)
	if err != nil {
		return nil, err
	}

	log.Printf("[LEDGER] Appended %s entry %d (credit=%s debit=%s profit=%s)",
		entry.TransactionType, entry.ID, credit, debit, newProfit)
	return entry, nil
}

// Append appends one entry in its own bounded transaction.
func (s *LedgerService) Append(ctx context.Context, in EntryInput) (*models.LedgerEntry, error) {
	tx, err := beginTx(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.AppendTx(tx, in)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// LedgerFilters narrows ledger queries for reporting endpoints.
type LedgerFilters struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// QueryByUser returns a user's entries, newest first.
func (s *LedgerService) QueryByUser(ctx context.Context, userID int64, filters LedgerFilters) ([]models.LedgerEntry, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_type, finance_category, wallet_bucket, admin_id,
		       user_id, store_id, entity_type, entity_id, debit, credit,
		       system_profit_snapshot, note, created_at
		FROM finance_ledger
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, filters.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// QueryByEntity returns every entry referencing an entity id, oldest first.
// Used by the journey report to reconstruct an object's financial history.
func (s *LedgerService) QueryByEntity(ctx context.Context, entityID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_type, finance_category, wallet_bucket, admin_id,
		       user_id, store_id, entity_type, entity_id, debit, credit,
		       system_profit_snapshot, note, created_at
		FROM finance_ledger
		WHERE entity_id = $1
		ORDER BY id ASC
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LedgerAggregate is the total posted per side over a filtered range.
type LedgerAggregate struct {
	TotalCredit decimal.Decimal `json:"total_credit"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
}

// Aggregate sums credit and debit over an optional date range.
func (s *LedgerService) Aggregate(ctx context.Context, filters LedgerFilters) (*LedgerAggregate, error) {
	query := `
		SELECT COALESCE(SUM(credit), 0), COALESCE(SUM(debit), 0)
		FROM finance_ledger
		WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filters.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, *filters.From)
		argIndex++
	}
	if filters.To != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, *filters.To)
		argIndex++
	}

	agg := &LedgerAggregate{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&agg.TotalCredit, &agg.TotalDebit)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.TransactionType, &e.Category, &e.Bucket, &e.AdminID,
			&e.UserID, &e.StoreID, &e.EntityType, &e.EntityID, &e.Debit,
			&e.Credit, &e.SystemProfitSnapshot, &e.Note, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// beginTx starts a transaction with the configured bounded lock wait. Every
// balance-affecting operation runs inside one of these; a lock that cannot be
// acquired within the bound surfaces as ErrConcurrencyTimeout and nothing is
// applied.
func beginTx(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	viper.SetDefault("database.lock_timeout_ms", 3000)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	timeout := viper.GetInt("database.lock_timeout_ms")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout)); err != nil {
		tx.Rollback()
		return nil, err
	}
	return tx, nil
}
