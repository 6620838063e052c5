package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// UserService mirrors the main platform's user records into the engine and
// serves per-user balance stats. Users are never created here organically;
// the platform pushes them over the API-key protected sync endpoint.
type UserService struct {
	db        *sql.DB
	referrals *ReferralService
	projector *WalletProjector
	validator *ValidationHelper
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{
		db:        db,
		referrals: NewReferralService(db),
		projector: NewWalletProjector(db),
		validator: NewValidationHelper(),
	}
}

type SyncUser struct {
	UserID           int64  `json:"user_id" validate:"required"`
	ReferralCodeUsed string `json:"referral_code_used"`
	RegistrationIP   string `json:"registration_ip"`
}

type SyncRequest struct {
	Users []SyncUser `json:"users" validate:"required,min=1,max=500,dive"`
}

// SyncUsers handles POST /api/v1/users/sync. Upserts are idempotent; a
// referral link is only attempted the first time a user is seen.
func (us *UserService) SyncUsers(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SyncRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := us.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	created := 0
	linked := 0
	for _, u := range req.Users {
		isNew, err := us.upsertUser(r.Context(), u)
		if err != nil {
			log.Printf("[USERS] Sync failed for user %d: %v", u.UserID, err)
			SendErrorResponse(w, "Sync failed", http.StatusInternalServerError, nil)
			return
		}
		if !isNew {
			continue
		}
		created++

		if u.ReferralCodeUsed != "" {
			didLink, err := us.referrals.Link(r.Context(), u.UserID, u.ReferralCodeUsed, u.RegistrationIP)
			if err != nil {
				log.Printf("[USERS] Referral link failed for user %d: %v", u.UserID, err)
				continue
			}
			if didLink {
				linked++
			}
		}
	}

	log.Printf("[USERS] Synced %d users (%d new, %d referral links)", len(req.Users), created, linked)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"synced":  len(req.Users),
		"created": created,
		"linked":  linked,
	})
}

// upsertUser inserts the mirrored user row with a fresh referral code,
// reporting whether the row was newly created.
func (us *UserService) upsertUser(ctx context.Context, u SyncUser) (bool, error) {
	code, err := us.referrals.GenerateReferralCode(ctx)
	if err != nil {
		return false, err
	}

	var id int64
	err = us.db.QueryRowContext(ctx, `
		INSERT INTO users (user_id, referral_code, registration_ip)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING id
	`, u.UserID, code, nullableString(u.RegistrationIP)).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UserStats is the balance summary shown to an affiliate.
type UserStats struct {
	UserID           int64           `json:"user_id"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance"`
	PendingPayout    decimal.Decimal `json:"pending_payout"`
	ReferralBalance  decimal.Decimal `json:"referral_balance"`
	RewardBalance    decimal.Decimal `json:"reward_balance"`
}

// GetUserStats handles GET /api/v1/users/{userID}/stats. Locked balance is
// the settled amount still inside its release window; pending payout is the
// reported value of conversions not yet settled.
func (us *UserService) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	wallet, err := us.projector.GetWallet(r.Context(), userID)
	if err != nil {
		log.Printf("[USERS] Stats wallet lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Stats lookup failed", http.StatusInternalServerError, nil)
		return
	}

	var locked, pending decimal.Decimal
	err = us.db.QueryRow(`
		SELECT
			COALESCE(SUM(c.actual_paid_amount) FILTER (
				WHERE c.payout_status = $2 AND c.release_date > NOW()), 0),
			COALESCE(SUM(c.payout) FILTER (WHERE c.payout_status = $3), 0)
		FROM conversions c
		JOIN click_tracking ct ON c.click_id = ct.id
		WHERE ct.user_id = $1
	`, userID, models.PayoutStatusApproved, models.PayoutStatusPending).Scan(&locked, &pending)
	if err != nil {
		log.Printf("[USERS] Stats aggregation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Stats lookup failed", http.StatusInternalServerError, nil)
		return
	}

	stats := UserStats{
		UserID:           userID,
		TotalBalance:     wallet.AffiliateBalance.Add(wallet.ReferralBalance).Add(wallet.RewardBalance),
		AvailableBalance: wallet.AffiliateBalance.Sub(locked),
		LockedBalance:    locked,
		PendingPayout:    pending,
		ReferralBalance:  wallet.ReferralBalance,
		RewardBalance:    wallet.RewardBalance,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
