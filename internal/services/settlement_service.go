package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/tagbro/affiliate-backend/internal/middleware"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// SettlementService converts pending conversions into approved paid ones and
// reverses settlements. Every operation is one atomic transaction holding
// exclusive locks on the affected wallet rows, taken in ascending user-id
// order so two settlements touching the same pair of users cannot deadlock.
type SettlementService struct {
	db        *sql.DB
	ledger    *LedgerService
	projector *WalletProjector
	referrals *ReferralService
	validator *ValidationHelper
}

func NewSettlementService(db *sql.DB) *SettlementService {
	viper.SetDefault("referral.commission_rate", 0.10)
	return &SettlementService{
		db:        db,
		ledger:    NewLedgerService(db),
		projector: NewWalletProjector(db),
		referrals: NewReferralService(db),
		validator: NewValidationHelper(),
	}
}

func referralRate() decimal.Decimal {
	return decimal.NewFromFloat(viper.GetFloat64("referral.commission_rate"))
}

// SettlementItem is one conversion being settled. Amount is admin-supplied
// and may differ from the originally reported payout to allow partial or
// adjusted payouts.
type SettlementItem struct {
	ConversionID int64           `json:"conversion_id" validate:"required"`
	Amount       decimal.Decimal `json:"amount" validate:"required"`
	LockDays     int             `json:"lock_days" validate:"min=0,max=365"`
}

// SettleRequest is the admin-triggered settlement batch. All-or-nothing: one
// invalid target aborts the whole request.
type SettleRequest struct {
	UserID  int64            `json:"user_id" validate:"required"`
	Items   []SettlementItem `json:"items" validate:"required,min=1,max=100,dive"`
	Reason  string           `json:"reason" validate:"required"`
	AdminID *int64           `json:"-"`
}

// Settle executes the settlement workflow in a single transaction: wallet
// lock, balance snapshot, one settlement ledger entry, the audit record,
// per-conversion approval, and the referral cascade. Settlement carries no
// idempotency key; replay protection is the caller's responsibility.
func (ss *SettlementService) Settle(ctx context.Context, req SettleRequest) (*models.SettlementRecord, error) {
	totalDelta := decimal.Zero
	for _, item := range req.Items {
		totalDelta = totalDelta.Add(item.Amount)
	}

	tx, err := beginTx(ctx, ss.db)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	link, err := ss.referrals.ReferrerOfTx(tx, req.UserID)
	if err != nil {
		return nil, err
	}

	cascading := link != nil && totalDelta.IsPositive()
	lockIDs := []int64{req.UserID}
	if cascading {
		lockIDs = append(lockIDs, link.ReferrerUserID)
	}
	wallets, err := ss.lockWallets(tx, lockIDs)
	if err != nil {
		return nil, err
	}

	prevBalance, err := ss.projector.DerivedTx(tx, req.UserID, models.BucketAffiliate)
	if err != nil {
		return nil, err
	}
	if err := checkMaterialized(prevBalance, wallets[req.UserID].AffiliateBalance, req.UserID, models.BucketAffiliate); err != nil {
		return nil, err
	}

	if err := ss.validateTargets(tx, req.UserID, req.Items); err != nil {
		return nil, err
	}

	// The audit record goes in first so the ledger entry can reference it at
	// append time; the ledger itself is never updated.
	record := &models.SettlementRecord{
		UserID:          req.UserID,
		AmountChanged:   totalDelta,
		PreviousBalance: prevBalance,
		NewBalance:      prevBalance.Add(totalDelta),
		ActionType:      models.ActionSettlement,
		Reason:          req.Reason,
		AdminID:         req.AdminID,
		Status:          models.SettlementStatusActive,
	}
	err = tx.QueryRow(`
		INSERT INTO settlement_records
		(user_id, amount_changed, previous_balance, new_balance, action_type, reason, admin_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, record.UserID, record.AmountChanged, record.PreviousBalance, record.NewBalance,
		record.ActionType, record.Reason, record.AdminID, record.Status,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = ss.ledger.AppendTx(tx, EntryInput{
		TransactionType: models.TxSettlementCredit,
		Amount:          totalDelta,
		AdminID:         req.AdminID,
		UserID:          &req.UserID,
		EntityType:      "SETTLEMENT",
		EntityID:        strconv.FormatInt(record.ID, 10),
		Note:            req.Reason,
	})
	if err != nil {
		return nil, err
	}

	newBalance, err := ss.projector.RecomputeTx(tx, req.UserID, models.BucketAffiliate)
	if err != nil {
		return nil, err
	}
	if !newBalance.Equal(record.NewBalance) {
		return nil, ErrInvariantViolation
	}

	for _, item := range req.Items {
		releaseDate := time.Now().AddDate(0, 0, item.LockDays)
		result, err := tx.Exec(`
			UPDATE conversions
			SET payout_status = $1,
			    actual_paid_amount = $2,
			    settlement_record_id = $3,
			    release_date = $4
			WHERE id = $5
		`, models.PayoutStatusApproved, item.Amount, record.ID, releaseDate, item.ConversionID)
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return nil, ErrInvalidSettlementTarget
		}
	}

	if cascading {
		if err := ss.cascadeReferral(tx, record, link); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[SETTLEMENT] Settled %s for user %d (record %d, %d conversions)",
		totalDelta, req.UserID, record.ID, len(req.Items))
	return record, nil
}

// validateTargets locks the batch's conversions and confirms every one is
// pending and owned (via click ownership) by the settled user.
func (ss *SettlementService) validateTargets(tx *sql.Tx, userID int64, items []SettlementItem) error {
	for _, item := range items {
		var status string
		var ownerID sql.NullInt64
		err := tx.QueryRow(`
			SELECT c.payout_status, ct.user_id
			FROM conversions c
			JOIN click_tracking ct ON c.click_id = ct.id
			WHERE c.id = $1
			FOR UPDATE OF c
		`, item.ConversionID).Scan(&status, &ownerID)
		if err == sql.ErrNoRows {
			return ErrInvalidSettlementTarget
		}
		if err != nil {
			return mapLockError(err)
		}
		if status != models.PayoutStatusPending {
			return ErrInvalidSettlementTarget
		}
		if !ownerID.Valid || ownerID.Int64 != userID {
			return ErrInvalidSettlementTarget
		}
	}
	return nil
}

// cascadeReferral credits the referrer's referral bucket with the configured
// share of the settlement delta and records a child audit record linked to
// the settlement so reversal can undo the exact amount.
func (ss *SettlementService) cascadeReferral(tx *sql.Tx, parent *models.SettlementRecord, link *models.ReferralLink) error {
	commission := parent.AmountChanged.Mul(referralRate()).Round(2)
	if !commission.IsPositive() {
		return nil
	}

	refPrev, err := ss.projector.DerivedTx(tx, link.ReferrerUserID, models.BucketReferral)
	if err != nil {
		return err
	}

	parentIDStr := strconv.FormatInt(parent.ID, 10)
	_, err = ss.ledger.AppendTx(tx, EntryInput{
		TransactionType: models.TxReferralEarned,
		Amount:          commission,
		UserID:          &link.ReferrerUserID,
		EntityType:      "SETTLEMENT",
		EntityID:        parentIDStr,
		Note:            fmt.Sprintf("Commission from referee %d activity", parent.UserID),
	})
	if err != nil {
		return err
	}

	refNew, err := ss.projector.RecomputeTx(tx, link.ReferrerUserID, models.BucketReferral)
	if err != nil {
		return err
	}
	if !refNew.Equal(refPrev.Add(commission)) {
		return ErrInvariantViolation
	}

	_, err = tx.Exec(`
		INSERT INTO settlement_records
		(user_id, amount_changed, previous_balance, new_balance, action_type, reason, admin_id, parent_record_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, link.ReferrerUserID, commission, refPrev, refNew, models.ActionReferralEarning,
		fmt.Sprintf("Commission from referee %d activity", parent.UserID),
		parent.AdminID, parent.ID, models.SettlementStatusActive)
	if err != nil {
		return err
	}

	if err := ss.referrals.AddEarnedTx(tx, parent.UserID, commission); err != nil {
		return err
	}

	log.Printf("[SETTLEMENT] Referral cascade: %s to user %d from settlement %d",
		commission, link.ReferrerUserID, parent.ID)
	return nil
}

// Revert is the exact compensating transaction for one settlement: inverse
// balance entry, inverse referral commission, conversions reset to pending,
// record marked reverted. Applying Settle then Revert leaves balances and
// conversion states equal to their pre-settle values; only the audit trail
// grows.
func (ss *SettlementService) Revert(ctx context.Context, recordID int64) error {
	tx, err := beginTx(ctx, ss.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	record := &models.SettlementRecord{}
	err = tx.QueryRow(`
		SELECT id, user_id, amount_changed, status
		FROM settlement_records
		WHERE id = $1 AND action_type = $2
		FOR UPDATE
	`, recordID, models.ActionSettlement).Scan(&record.ID, &record.UserID, &record.AmountChanged, &record.Status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return mapLockError(err)
	}
	if record.Status != models.SettlementStatusActive {
		return ErrAlreadyReverted
	}

	commission, err := ss.findCascadeRecord(tx, recordID)
	if err != nil {
		return err
	}

	lockIDs := []int64{record.UserID}
	if commission != nil {
		lockIDs = append(lockIDs, commission.UserID)
	}
	wallets, err := ss.lockWallets(tx, lockIDs)
	if err != nil {
		return err
	}

	prevBalance, err := ss.projector.DerivedTx(tx, record.UserID, models.BucketAffiliate)
	if err != nil {
		return err
	}
	if err := checkMaterialized(prevBalance, wallets[record.UserID].AffiliateBalance, record.UserID, models.BucketAffiliate); err != nil {
		return err
	}

	recordIDStr := strconv.FormatInt(recordID, 10)
	_, err = ss.ledger.AppendTx(tx, EntryInput{
		TransactionType: models.TxSettlementReversal,
		Amount:          record.AmountChanged.Neg(),
		UserID:          &record.UserID,
		EntityType:      "SETTLEMENT",
		EntityID:        recordIDStr,
		Note:            fmt.Sprintf("Reversal of settlement %d", recordID),
	})
	if err != nil {
		return err
	}

	newBalance, err := ss.projector.RecomputeTx(tx, record.UserID, models.BucketAffiliate)
	if err != nil {
		return err
	}
	if !newBalance.Equal(prevBalance.Sub(record.AmountChanged)) {
		return ErrInvariantViolation
	}

	if commission != nil {
		if err := ss.revertCascade(tx, record, commission); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`
		UPDATE conversions
		SET payout_status = $1,
		    actual_paid_amount = NULL,
		    settlement_record_id = NULL,
		    release_date = NULL
		WHERE settlement_record_id = $2
	`, models.PayoutStatusPending, recordID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE settlement_records SET status = $1 WHERE id = $2
	`, models.SettlementStatusReverted, recordID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[SETTLEMENT] Reverted record %d for user %d (%s)", recordID, record.UserID, record.AmountChanged)
	return nil
}

// findCascadeRecord returns the active referral commission record cascaded
// by a settlement, if any.
func (ss *SettlementService) findCascadeRecord(tx *sql.Tx, parentID int64) (*models.SettlementRecord, error) {
	commission := &models.SettlementRecord{}
	err := tx.QueryRow(`
		SELECT id, user_id, amount_changed, status
		FROM settlement_records
		WHERE parent_record_id = $1 AND action_type = $2 AND status = $3
	`, parentID, models.ActionReferralEarning, models.SettlementStatusActive,
	).Scan(&commission.ID, &commission.UserID, &commission.AmountChanged, &commission.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return commission, nil
}

// revertCascade posts the inverse commission entry against the referrer and
// closes out the commission audit record.
func (ss *SettlementService) revertCascade(tx *sql.Tx, parent, commission *models.SettlementRecord) error {
	refPrev, err := ss.projector.DerivedTx(tx, commission.UserID, models.BucketReferral)
	if err != nil {
		return err
	}

	parentIDStr := strconv.FormatInt(parent.ID, 10)
	_, err = ss.ledger.AppendTx(tx, EntryInput{
		TransactionType: models.TxReferralReversal,
		Amount:          commission.AmountChanged.Neg(),
		UserID:          &commission.UserID,
		EntityType:      "SETTLEMENT",
		EntityID:        parentIDStr,
		Note:            fmt.Sprintf("Reversal of commission from referee %d", parent.UserID),
	})
	if err != nil {
		return err
	}

	refNew, err := ss.projector.RecomputeTx(tx, commission.UserID, models.BucketReferral)
	if err != nil {
		return err
	}
	if !refNew.Equal(refPrev.Sub(commission.AmountChanged)) {
		return ErrInvariantViolation
	}

	_, err = tx.Exec(`
		INSERT INTO settlement_records
		(user_id, amount_changed, previous_balance, new_balance, action_type, reason, parent_record_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, commission.UserID, commission.AmountChanged.Neg(), refPrev, refNew,
		models.ActionReferralReversal,
		fmt.Sprintf("Reversal of commission from referee %d", parent.UserID),
		commission.ID, models.SettlementStatusReverted)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE settlement_records SET status = $1 WHERE id = $2
	`, models.SettlementStatusReverted, commission.ID)
	if err != nil {
		return err
	}

	return ss.referrals.AddEarnedTx(tx, parent.UserID, commission.AmountChanged.Neg())
}

// lockWallets takes the exclusive wallet locks in ascending user-id order.
func (ss *SettlementService) lockWallets(tx *sql.Tx, userIDs []int64) (map[int64]*models.Wallet, error) {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	wallets := make(map[int64]*models.Wallet, len(ids))
	for _, id := range ids {
		if _, done := wallets[id]; done {
			continue
		}
		w, err := ss.projector.LockWalletTx(tx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = w
	}
	return wallets, nil
}

func checkMaterialized(derived, materialized decimal.Decimal, userID int64, bucket string) error {
	if !derived.Equal(materialized) {
		log.Printf("[SETTLEMENT] Invariant violation for user %d bucket %s: derived=%s materialized=%s",
			userID, bucket, derived, materialized)
		return ErrInvariantViolation
	}
	return nil
}

// HTTP handlers

// HandleSettle processes POST /admin/settlements.
func (ss *SettlementService) HandleSettle(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SettleRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	req.AdminID = middleware.AdminIDFromContext(r.Context())

	record, err := ss.Settle(r.Context(), req)
	if err != nil {
		ss.sendSettlementError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":     true,
		"record":      record,
		"new_balance": record.NewBalance,
	})
}

// HandleRevert processes POST /admin/settlements/{recordID}/revert.
func (ss *SettlementService) HandleRevert(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(chi.URLParam(r, "recordID"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid record id", http.StatusBadRequest, nil)
		return
	}

	if err := ss.Revert(r.Context(), recordID); err != nil {
		ss.sendSettlementError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Settlement and linked referral commissions reverted",
	})
}

// AdjustmentRequest is a manual balance correction outside settlement.
type AdjustmentRequest struct {
	UserID int64           `json:"user_id" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"required"`
	Reason string          `json:"reason" validate:"required"`
}

// HandleAdjustment processes POST /admin/adjustments.
func (ss *SettlementService) HandleAdjustment(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req AdjustmentRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	adminID := middleware.AdminIDFromContext(r.Context())

	record, err := ss.Adjust(r.Context(), req.UserID, req.Amount, req.Reason, adminID)
	if err != nil {
		ss.sendSettlementError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"record":  record,
	})
}

// Adjust applies a signed manual correction to a user's affiliate bucket
// with the same locking and audit discipline as a settlement.
func (ss *SettlementService) Adjust(ctx context.Context, userID int64, amount decimal.Decimal, reason string, adminID *int64) (*models.SettlementRecord, error) {
	tx, err := beginTx(ctx, ss.db)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet, err := ss.projector.LockWalletTx(tx, userID)
	if err != nil {
		return nil, err
	}

	prevBalance, err := ss.projector.DerivedTx(tx, userID, models.BucketAffiliate)
	if err != nil {
		return nil, err
	}
	if err := checkMaterialized(prevBalance, wallet.AffiliateBalance, userID, models.BucketAffiliate); err != nil {
		return nil, err
	}

	if _, err := ss.ledger.AppendTx(tx, EntryInput{
		TransactionType: models.TxAdminAdjustment,
		Amount:          amount,
		AdminID:         adminID,
		UserID:          &userID,
		EntityType:      "ADMIN",
		Note:            reason,
	}); err != nil {
		return nil, err
	}

	newBalance, err := ss.projector.RecomputeTx(tx, userID, models.BucketAffiliate)
	if err != nil {
		return nil, err
	}
	if !newBalance.Equal(prevBalance.Add(amount)) {
		return nil, ErrInvariantViolation
	}

	record := &models.SettlementRecord{
		UserID:          userID,
		AmountChanged:   amount,
		PreviousBalance: prevBalance,
		NewBalance:      newBalance,
		ActionType:      models.ActionAdjustment,
		Reason:          reason,
		AdminID:         adminID,
		Status:          models.SettlementStatusActive,
	}
	err = tx.QueryRow(`
		INSERT INTO settlement_records
		(user_id, amount_changed, previous_balance, new_balance, action_type, reason, admin_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, record.UserID, record.AmountChanged, record.PreviousBalance, record.NewBalance,
		record.ActionType, record.Reason, record.AdminID, record.Status,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

func (ss *SettlementService) sendSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidSettlementTarget):
		SendErrorResponse(w, "invalid_settlement_target", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ErrAlreadyReverted):
		SendErrorResponse(w, "already_reverted", http.StatusConflict, nil)
	case errors.Is(err, ErrNotFound):
		SendErrorResponse(w, "not_found", http.StatusNotFound, nil)
	case errors.Is(err, ErrConcurrencyTimeout):
		SendErrorResponse(w, "concurrency_timeout", http.StatusServiceUnavailable, nil)
	case errors.Is(err, ErrInvariantViolation):
		log.Printf("[SETTLEMENT] FATAL invariant violation: %v", err)
		SendErrorResponse(w, "invariant_violation", http.StatusInternalServerError, nil)
	default:
		log.Printf("[SETTLEMENT] Operation failed: %v", err)
		SendErrorResponse(w, "settlement_failed", http.StatusInternalServerError, nil)
	}
}
