package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/tagbro/affiliate-backend/internal/models"
)

const clickCacheTTL = 5 * time.Minute

// ClickService owns click-id generation and the click registry the ingestion
// path resolves against. Lookups are read-through cached in Redis; the
// service degrades to DB-only when Redis is unavailable.
type ClickService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewClickService(db *sql.DB, redisClient *redis.Client) *ClickService {
	return &ClickService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// GenerateClickID returns CHECK + YYYYMMDD + 8 random digits.
func GenerateClickID() string {
	datePart := time.Now().Format("20060102")
	randomPart := uuid.New().ID() % 100000000
	return fmt.Sprintf("CHECK%s%08d", datePart, randomPart)
}

// TrackClickRequest is the payload for generating a tracked outbound click.
type TrackClickRequest struct {
	UserID     *int64 `json:"user_id"`
	CampaignID *int64 `json:"campaign_id"`
	CouponURL  string `json:"coupon_url" validate:"required,url"`
}

// TrackClick generates a clickid, records the click, and returns the final
// redirect URL with the clickid appended.
func (s *ClickService) TrackClick(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req TrackClickRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	clickID := GenerateClickID()

	separator := "?"
	if strings.Contains(req.CouponURL, "?") {
		separator = "&"
	}
	finalURL := req.CouponURL + separator + "clickid=" + url.QueryEscape(clickID)

	ipAddress := clientIP(r)
	userAgent := r.UserAgent()

	var rowID int64
	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO click_tracking
		(user_id, campaign_id, clickid, coupon_url, final_redirect_url, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, req.UserID, req.CampaignID, clickID, req.CouponURL, finalURL, ipAddress, userAgent).Scan(&rowID)
	if err != nil {
		log.Printf("[CLICK] Failed to record click: %v", err)
		SendErrorResponse(w, "Failed to record click", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CLICK] Tracked click %s (row %d)", clickID, rowID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":      true,
		"clickid":      clickID,
		"final_url":    finalURL,
		"click_row_id": rowID,
	})
}

// GetClick is a debug lookup by clickid.
func (s *ClickService) GetClick(w http.ResponseWriter, r *http.Request) {
	clickID := chi.URLParam(r, "clickid")
	if clickID == "" {
		SendErrorResponse(w, "clickid is required", http.StatusBadRequest, nil)
		return
	}

	click, err := s.Resolve(r.Context(), clickID)
	if err != nil {
		if err == ErrUnknownClick {
			SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch click", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"click":   click,
	})
}

// Resolve maps an external click identifier to its tracked click. Returns
// ErrUnknownClick when no click was ever recorded for the identifier.
func (s *ClickService) Resolve(ctx context.Context, clickID string) (*models.Click, error) {
	cacheKey := "click:" + clickID

	if s.redis != nil {
		if data, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var click models.Click
			if err := json.Unmarshal(data, &click); err == nil {
				return &click, nil
			}
		}
	}

	click := &models.Click{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, clickid, user_id, campaign_id, coupon_url, final_redirect_url,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM click_tracking
		WHERE clickid = $1
		LIMIT 1
	`, clickID).Scan(
		&click.ID, &click.ClickID, &click.UserID, &click.CampaignID,
		&click.CouponURL, &click.FinalRedirectURL, &click.IPAddress,
		&click.UserAgent, &click.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownClick
	}
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(click); err == nil {
			if err := s.redis.Set(ctx, cacheKey, data, clickCacheTTL).Err(); err != nil {
				log.Printf("[CLICK] Cache write failed for %s: %v", clickID, err)
			}
		}
	}

	return click, nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
