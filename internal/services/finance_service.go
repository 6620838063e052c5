package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/tagbro/affiliate-backend/internal/models"
)

// FinanceService serves the admin reporting surface: profit overview,
// ledger listings, entity journeys, and settlement history. Read-only; all
// figures come straight from the ledger and its projections.
type FinanceService struct {
	db        *sql.DB
	ledger    *LedgerService
	projector *WalletProjector
}

func NewFinanceService(db *sql.DB) *FinanceService {
	return &FinanceService{
		db:        db,
		ledger:    NewLedgerService(db),
		projector: NewWalletProjector(db),
	}
}

type CategoryBreakdown struct {
	Category    string          `json:"category"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
}

type FinanceOverview struct {
	SystemProfit      decimal.Decimal     `json:"system_profit"`
	TodayCredit       decimal.Decimal     `json:"today_credit"`
	TodayDebit        decimal.Decimal     `json:"today_debit"`
	PendingPayouts    decimal.Decimal     `json:"pending_payouts"`
	CategoryBreakdown []CategoryBreakdown `json:"category_breakdown"`
}

// GetOverview handles GET /admin/finance/overview.
func (fs *FinanceService) GetOverview(w http.ResponseWriter, r *http.Request) {
	overview := FinanceOverview{}

	err := fs.db.QueryRowContext(r.Context(), `
		SELECT system_profit FROM ledger_position WHERE id = 1
	`).Scan(&overview.SystemProfit)
	if err != nil {
		log.Printf("[FINANCE] Overview profit lookup failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	startOfDay := time.Now().Truncate(24 * time.Hour)
	today, err := fs.ledger.Aggregate(r.Context(), LedgerFilters{From: &startOfDay})
	if err != nil {
		log.Printf("[FINANCE] Overview daily aggregate failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}
	overview.TodayCredit = today.TotalCredit
	overview.TodayDebit = today.TotalDebit

	err = fs.db.QueryRowContext(r.Context(), `
		SELECT COALESCE(SUM(payout), 0) FROM conversions WHERE payout_status = $1
	`, models.PayoutStatusPending).Scan(&overview.PendingPayouts)
	if err != nil {
		log.Printf("[FINANCE] Overview pending payouts failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	rows, err := fs.db.QueryContext(r.Context(), `
		SELECT finance_category, COALESCE(SUM(credit), 0), COALESCE(SUM(debit), 0)
		FROM finance_ledger
		GROUP BY finance_category
		ORDER BY finance_category
	`)
	if err != nil {
		log.Printf("[FINANCE] Overview category breakdown failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var cb CategoryBreakdown
		if err := rows.Scan(&cb.Category, &cb.TotalCredit, &cb.TotalDebit); err != nil {
			SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
			return
		}
		overview.CategoryBreakdown = append(overview.CategoryBreakdown, cb)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(overview)
}

// ListUserLedger handles GET /admin/finance/users/{userID}/ledger with
// optional from/to/limit/offset query parameters.
func (fs *FinanceService) ListUserLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	filters := parseLedgerFilters(r)
	entries, err := fs.ledger.QueryByUser(r.Context(), userID, filters)
	if err != nil {
		log.Printf("[FINANCE] Ledger listing failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": userID,
		"entries": entries,
	})
}

// GetJourney handles GET /admin/finance/journey/{entityID}: the full ordered
// financial history of one entity (a conversion, a settlement record).
func (fs *FinanceService) GetJourney(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if entityID == "" {
		SendErrorResponse(w, "Invalid entity id", http.StatusBadRequest, nil)
		return
	}

	entries, err := fs.ledger.QueryByEntity(r.Context(), entityID)
	if err != nil {
		log.Printf("[FINANCE] Journey lookup failed for entity %s: %v", entityID, err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entity_id": entityID,
		"entries":   entries,
	})
}

// GetWallet handles GET /admin/finance/users/{userID}/wallet.
func (fs *FinanceService) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	wallet, err := fs.projector.GetWallet(r.Context(), userID)
	if err != nil {
		log.Printf("[FINANCE] Wallet lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// GetRangeReport handles GET /admin/finance/report?from=...&to=... and sums
// both ledger sides over the window.
func (fs *FinanceService) GetRangeReport(w http.ResponseWriter, r *http.Request) {
	filters := parseLedgerFilters(r)
	agg, err := fs.ledger.Aggregate(r.Context(), filters)
	if err != nil {
		log.Printf("[FINANCE] Range report failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_credit": agg.TotalCredit,
		"total_debit":  agg.TotalDebit,
		"net":          agg.TotalCredit.Sub(agg.TotalDebit),
	})
}

// ListSettlements handles GET /admin/settlements with optional user_id and
// status query parameters.
func (fs *FinanceService) ListSettlements(w http.ResponseWriter, r *http.Request) {
	query := `
		SELECT id, user_id, amount_changed, previous_balance, new_balance,
		       action_type, reason, admin_id, parent_record_id, status, created_at
		FROM settlement_records
		WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
			return
		}
		query += " AND user_id = $" + strconv.Itoa(argIndex)
		args = append(args, userID)
		argIndex++
	}
	if v := r.URL.Query().Get("status"); v != "" {
		query += " AND status = $" + strconv.Itoa(argIndex)
		args = append(args, v)
		argIndex++
	}
	query += " ORDER BY id DESC LIMIT 200"

	rows, err := fs.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[FINANCE] Settlement listing failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	records := []models.SettlementRecord{}
	for rows.Next() {
		var rec models.SettlementRecord
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.AmountChanged, &rec.PreviousBalance,
			&rec.NewBalance, &rec.ActionType, &rec.Reason, &rec.AdminID,
			&rec.ParentRecordID, &rec.Status, &rec.CreatedAt,
		)
		if err != nil {
			SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
			return
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
	})
}

// ListPendingConversions handles GET /admin/conversions/pending, optionally
// filtered by user_id, giving admins the settlement work queue.
func (fs *FinanceService) ListPendingConversions(w http.ResponseWriter, r *http.Request) {
	query := `
		SELECT c.id, c.clickid, c.order_id, c.payout, c.commission,
		       c.payout_status, c.source, c.created_at, ct.user_id
		FROM conversions c
		JOIN click_tracking ct ON c.click_id = ct.id
		WHERE c.payout_status = $1`
	args := []interface{}{models.PayoutStatusPending}

	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
			return
		}
		query += " AND ct.user_id = $2"
		args = append(args, userID)
	}
	query += " ORDER BY c.id ASC LIMIT 500"

	rows, err := fs.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[FINANCE] Pending conversions listing failed: %v", err)
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	type pendingConversion struct {
		ID         int64           `json:"id"`
		ClickID    string          `json:"clickid"`
		OrderID    *string         `json:"order_id"`
		Payout     decimal.Decimal `json:"payout"`
		Commission decimal.Decimal `json:"commission"`
		Status     string          `json:"status"`
		Source     string          `json:"source"`
		CreatedAt  time.Time       `json:"created_at"`
		UserID     *int64          `json:"user_id"`
	}

	items := []pendingConversion{}
	for rows.Next() {
		var pc pendingConversion
		err := rows.Scan(&pc.ID, &pc.ClickID, &pc.OrderID, &pc.Payout,
			&pc.Commission, &pc.Status, &pc.Source, &pc.CreatedAt, &pc.UserID)
		if err != nil {
			SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
			return
		}
		items = append(items, pc)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conversions": items,
	})
}

func parseLedgerFilters(r *http.Request) LedgerFilters {
	filters := LedgerFilters{}
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.To = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Offset = n
		}
	}
	return filters
}
