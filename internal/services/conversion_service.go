package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// Field-name aliases accepted from heterogeneous postback producers, in
// resolution order. Networks are not under our control and have sent every
// one of these historically.
var (
	clickIDAliases    = []string{"clickid", "click_id", "cid", "sub_id", "sid", "subid"}
	orderIDAliases    = []string{"order_id", "orderid", "oid"}
	amountAliases     = []string{"payout", "amount", "sale_amount"}
	commissionAliases = []string{"commission", "commission_amount"}
)

// Test-traffic markers: network dashboards fire probe postbacks with these
// shapes. Probes are accepted and discarded, never recorded.
var testClickPrefixes = []string{"CLNK", "TST", "trk_"}

// ConversionService is the idempotency boundary for externally sourced
// revenue events. Accepted events produce exactly one Conversion row and one
// CONVERSION_RECORDED ledger entry; duplicates produce nothing.
type ConversionService struct {
	db        *sql.DB
	clicks    *ClickService
	ledger    *LedgerService
	projector *WalletProjector
}

func NewConversionService(db *sql.DB, redisClient *redis.Client) *ConversionService {
	viper.SetDefault("conversion.commission_rate", 0.10)
	return &ConversionService{
		db:        db,
		clicks:    NewClickService(db, redisClient),
		ledger:    NewLedgerService(db),
		projector: NewWalletProjector(db),
	}
}

// IngestResult reports what the gate did with one event.
type IngestResult struct {
	Accepted   bool               `json:"accepted"`
	Reason     string             `json:"reason"`
	Conversion *models.Conversion `json:"conversion,omitempty"`
}

// Ingest runs the dedup gate over one raw event. Source is "postback" or
// "pixel". Returns ErrUnknownClick for unresolvable non-test traffic and
// ErrDuplicateEvent for replays; both leave the store untouched.
func (cs *ConversionService) Ingest(ctx context.Context, event map[string]string, source string) (*IngestResult, error) {
	clickID := resolveAlias(event, clickIDAliases)
	if clickID == "" {
		return nil, fmt.Errorf("missing click identifier")
	}

	orderID := resolveAlias(event, orderIDAliases)
	payout := resolveAmount(event, amountAliases)

	commission := resolveAmount(event, commissionAliases)
	if commission.IsZero() && payout.IsPositive() {
		rate := decimal.NewFromFloat(viper.GetFloat64("conversion.commission_rate"))
		commission = payout.Mul(rate).Round(2)
	}

	click, err := cs.clicks.Resolve(ctx, clickID)
	if err == ErrUnknownClick {
		if isTestTraffic(clickID, event) {
			log.Printf("[POSTBACK] Test-mode event accepted and discarded: %s", clickID)
			return &IngestResult{Accepted: true, Reason: "test traffic discarded"}, nil
		}
		log.Printf("[POSTBACK] Unknown click identifier: %s", clickID)
		return nil, ErrUnknownClick
	}
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(event)

	tx, err := beginTx(ctx, cs.db)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Wallet row before the ledger position row. Settlement locks in the same
	// order, so a concurrent ingest and settlement for one user queue up
	// instead of deadlocking.
	if click.UserID != nil {
		if _, err := cs.projector.LockWalletTx(tx, *click.UserID); err != nil {
			return nil, err
		}
	}

	// The partial unique indexes are the dedup check: one conversion per
	// order id, and at most one per click on the no-order-id path. Two
	// near-simultaneous duplicates cannot both insert.
	conv := &models.Conversion{
		ClickID:      clickID,
		ClickRowID:   click.ID,
		Payout:       payout,
		Commission:   commission,
		PayoutStatus: models.PayoutStatusPending,
		Source:       source,
	}
	var orderIDArg *string
	if orderID != "" {
		orderIDArg = &orderID
	}
	conv.OrderID = orderIDArg

	err = tx.QueryRow(`
		INSERT INTO conversions (clickid, click_id, order_id, payout, commission, payout_status, source, postback_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at
	`, clickID, click.ID, orderIDArg, payout, commission, models.PayoutStatusPending, source, string(payload),
	).Scan(&conv.ID, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDuplicateEvent
	}
	if err != nil {
		return nil, err
	}
	conv.PostbackPayload = string(payload)

	entityID := fmt.Sprintf("%d", conv.ID)
	entityType := "CONVERSION"
	_, err = cs.ledger.AppendTx(tx, EntryInput{
		TransactionType: models.TxConversionRecorded,
		Amount:          commission,
		UserID:          click.UserID,
		EntityType:      entityType,
		EntityID:        entityID,
		Note:            fmt.Sprintf("Conversion recorded from %s (%s)", source, clickID),
	})
	if err != nil {
		return nil, err
	}

	if click.UserID != nil {
		if _, err := cs.projector.RecomputeTx(tx, *click.UserID, models.BucketAffiliate); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[POSTBACK] Conversion %d recorded for click %s (payout=%s commission=%s source=%s)",
		conv.ID, clickID, payout, commission, source)
	return &IngestResult{Accepted: true, Reason: "recorded", Conversion: conv}, nil
}

// HandlePostback accepts network postbacks over GET or POST.
func (cs *ConversionService) HandlePostback(w http.ResponseWriter, r *http.Request) {
	event := parseEvent(r)

	result, err := cs.Ingest(r.Context(), event, "postback")
	cs.respond(w, result, err)
}

// HandlePixel accepts pixel-fired conversions. Pixels always carry an order
// id; without one the event is rejected up front.
func (cs *ConversionService) HandlePixel(w http.ResponseWriter, r *http.Request) {
	event := parseEvent(r)

	if resolveAlias(event, orderIDAliases) == "" {
		http.Error(w, "Missing order_id", http.StatusBadRequest)
		return
	}

	result, err := cs.Ingest(r.Context(), event, "pixel")
	cs.respond(w, result, err)
}

// respond writes the plain-text responses networks expect. Duplicates are
// intentionally reported as success so senders do not retry-storm.
func (cs *ConversionService) respond(w http.ResponseWriter, result *IngestResult, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	case err == ErrDuplicateEvent:
		log.Printf("[POSTBACK] Duplicate event ignored")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK - Duplicate Ignored"))
	case err == ErrUnknownClick:
		http.Error(w, "Invalid clickid", http.StatusNotFound)
	case err == ErrConcurrencyTimeout:
		http.Error(w, "Busy, retry", http.StatusServiceUnavailable)
	case strings.Contains(err.Error(), "missing click identifier"):
		http.Error(w, "Missing clickid", http.StatusBadRequest)
	default:
		log.Printf("[POSTBACK] Ingest failed: %v", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

// parseEvent flattens query parameters and, for POST, body fields into one
// case-preserving map. Query values win for GET, body values for POST.
func parseEvent(r *http.Request) map[string]string {
	event := map[string]string{}

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			event[key] = values[0]
		}
	}

	if r.Method == http.MethodPost {
		contentType := r.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "application/json") {
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				for key, value := range body {
					event[key] = fmt.Sprintf("%v", value)
				}
			}
		} else {
			if err := r.ParseForm(); err == nil {
				for key, values := range r.PostForm {
					if len(values) > 0 {
						event[key] = values[0]
					}
				}
			}
		}
	}

	return event
}

// resolveAlias returns the first non-empty value among the accepted aliases,
// matching field names case-insensitively.
func resolveAlias(event map[string]string, aliases []string) string {
	lowered := make(map[string]string, len(event))
	for key, value := range event {
		if _, seen := lowered[strings.ToLower(key)]; !seen || value != "" {
			lowered[strings.ToLower(key)] = value
		}
	}
	for _, alias := range aliases {
		if value := strings.TrimSpace(lowered[alias]); value != "" {
			return value
		}
	}
	return ""
}

func resolveAmount(event map[string]string, aliases []string) decimal.Decimal {
	raw := resolveAlias(event, aliases)
	if raw == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// isTestTraffic recognizes network test probes by their fixed markers.
func isTestTraffic(clickID string, event map[string]string) bool {
	if event["test"] == "1" || strings.EqualFold(event["isTest"], "true") {
		return true
	}
	if strings.Contains(strings.ToLower(clickID), "test") {
		return true
	}
	for _, prefix := range testClickPrefixes {
		if strings.HasPrefix(clickID, prefix) {
			return true
		}
	}
	return false
}
