package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// ReferralService owns referral codes and the referrer -> referee registry
// consulted by the settlement cascade.
type ReferralService struct {
	db *sql.DB
}

func NewReferralService(db *sql.DB) *ReferralService {
	return &ReferralService{db: db}
}

// GenerateReferralCode returns a TGBR code that does not yet exist.
func (s *ReferralService) GenerateReferralCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code := fmt.Sprintf("TGBR%05d", uuid.New().ID()%100000)

		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE referral_code = $1)`, code,
		).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate unique referral code")
}

// Link connects a referee to the owner of a referral code, reporting whether
// a link was created. Self-referrals are skipped; a referee registering from
// the referrer's IP is flagged for review. Double triggers are absorbed by
// the unique referee constraint.
func (s *ReferralService) Link(ctx context.Context, refereeUserID int64, refCode, refereeIP string) (bool, error) {
	refCode = strings.TrimSpace(refCode)
	if refCode == "" {
		return false, nil
	}

	var referrerID int64
	var referrerIP sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, registration_ip FROM users WHERE referral_code = $1
	`, refCode).Scan(&referrerID, &referrerIP)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if referrerID == refereeUserID {
		log.Printf("[REFERRAL] Self-referral detected for user %d, skipping link", refereeUserID)
		return false, nil
	}

	status := models.ReferralStatusPending
	if referrerIP.Valid && referrerIP.String != "" && referrerIP.String == refereeIP {
		status = models.ReferralStatusFlagged
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (referrer_user_id, referee_user_id, referral_code_used, status, registration_ip)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (referee_user_id) DO NOTHING
	`, referrerID, refereeUserID, refCode, status, refereeIP)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET referred_by_id = $1 WHERE user_id = $2
	`, referrerID, refereeUserID)
	if err != nil {
		return false, err
	}

	log.Printf("[REFERRAL] Linked %s -> user %d (status=%s)", refCode, refereeUserID, status)
	return true, nil
}

// ReferrerOfTx returns the non-blocked referral link naming userID as the
// referee, or nil when the user has no eligible referrer. Runs inside the
// settlement transaction so the cascade sees a consistent link.
func (s *ReferralService) ReferrerOfTx(tx *sql.Tx, userID int64) (*models.ReferralLink, error) {
	link := &models.ReferralLink{}
	err := tx.QueryRow(`
		SELECT id, referrer_user_id, referee_user_id, referral_code_used, status,
		       total_earned_from_referee, COALESCE(registration_ip, ''), created_at
		FROM referrals
		WHERE referee_user_id = $1 AND status != $2
	`, userID, models.ReferralStatusBlocked).Scan(
		&link.ID, &link.ReferrerUserID, &link.RefereeUserID, &link.ReferralCodeUsed,
		&link.Status, &link.TotalEarnedFromReferee, &link.RegistrationIP, &link.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// AddEarnedTx moves the cumulative commission counter by delta (negative on
// reversal). A positive delta also marks the link approved.
func (s *ReferralService) AddEarnedTx(tx *sql.Tx, refereeUserID int64, delta decimal.Decimal) error {
	if delta.IsPositive() {
		_, err := tx.Exec(`
			UPDATE referrals
			SET total_earned_from_referee = total_earned_from_referee + $1, status = $2
			WHERE referee_user_id = $3
		`, delta, models.ReferralStatusApproved, refereeUserID)
		return err
	}
	_, err := tx.Exec(`
		UPDATE referrals
		SET total_earned_from_referee = total_earned_from_referee + $1
		WHERE referee_user_id = $2
	`, delta, refereeUserID)
	return err
}
