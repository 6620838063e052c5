package models

import "time"

// User is an affiliate synced from the storefront.
type User struct {
	ID             int64      `json:"id" db:"id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	Email          string     `json:"email" db:"email"`
	Name           string     `json:"name" db:"name"`
	ReferralCode   string     `json:"referral_code" db:"referral_code"`
	RegistrationIP string     `json:"registration_ip" db:"registration_ip"`
	ReferredByID   *int64     `json:"referred_by_id,omitempty" db:"referred_by_id"`
	SyncedAt       time.Time  `json:"synced_at" db:"synced_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// AdminUser is a back-office operator allowed to settle and revert.
type AdminUser struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
