package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"lakupos/internal/domain"
	"lakupos/internal/service"
	"lakupos/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

// generateCSRFToken returns a token valid for the current hour bucket.
func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "cashier", "admin"))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, "admin"))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales/commit", a.requireAuth(a.handleSaleCommit, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales/idempotency/", a.requireAuth(a.handleSaleLookup, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/stock/levels", a.requireAuth(a.handleStockLevels, "cashier", "admin"))
	mux.HandleFunc("/api/v1/stock/ledger", a.requireAuth(a.handleStockLedger, "cashier", "admin"))
	mux.HandleFunc("/api/v1/stock/restock", a.requireAuth(a.handleRestock, "admin"))
	mux.HandleFunc("/api/v1/stock/discrepancies", a.requireAuth(a.handleDiscrepancies, "admin"))
	mux.HandleFunc("/api/v1/stock/discrepancies/", a.requireAuth(a.handleDiscrepancyActions, "admin"))

	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers, "cashier", "admin"))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, "admin"))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Browser clients must include this token in the X-CSRF-Token header for all
// mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation.
// Login and the commit endpoint are excluded because terminals replay queued
// sales over plain bearer auth without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/sales/commit",
}

// checkCSRF enforces CSRF token validation for state-changing methods (POST/PUT/PATCH).
// Returns false and writes an error response if validation fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		actor, ok := service.ActorFromContext(r.Context())
		if !ok || actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/products/"
	sku := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if sku == "" {
		writeError(w, http.StatusBadRequest, errors.New("product sku required"))
		return
	}

	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := a.service.UpdateProduct(r.Context(), sku, req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"product": updated})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	branchID := r.URL.Query().Get("branch_id")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	sales, err := a.service.ListSales(r.Context(), branchID, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleSaleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CommitSale(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleSaleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/sales/idempotency/"
	idempotencyKey := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if idempotencyKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("idempotency key required"))
		return
	}

	resp, err := a.service.LookupSaleByIdempotencyKey(r.Context(), idempotencyKey)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSaleActions dispatches /api/v1/sales/{id}, /api/v1/sales/{id}/void and
// /api/v1/sales/{id}/invoice. The idempotency prefix is registered separately
// and never reaches here.
func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/sales/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	if strings.HasSuffix(tail, "/void") {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		saleID := strings.Trim(strings.TrimSuffix(tail, "/void"), "/")
		if saleID == "" {
			writeError(w, http.StatusBadRequest, errors.New("sale id required"))
			return
		}

		var req domain.VoidRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := a.service.VoidSale(r.Context(), saleID, req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if strings.HasSuffix(tail, "/invoice") {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		saleID := strings.Trim(strings.TrimSuffix(tail, "/invoice"), "/")
		if saleID == "" {
			writeError(w, http.StatusBadRequest, errors.New("sale id required"))
			return
		}

		resp, err := a.service.RenderInvoice(r.Context(), saleID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	sale, err := a.service.GetSale(r.Context(), tail)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleStockLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	branchID := r.URL.Query().Get("branch_id")
	var skus []string
	if raw := strings.TrimSpace(r.URL.Query().Get("skus")); raw != "" {
		for _, sku := range strings.Split(raw, ",") {
			if sku = strings.ToUpper(strings.TrimSpace(sku)); sku != "" {
				skus = append(skus, sku)
			}
		}
	}

	levels, err := a.service.GetStockLevels(r.Context(), branchID, skus)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": levels})
}

func (a *API) handleStockLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	branchID := r.URL.Query().Get("branch_id")
	sku := r.URL.Query().Get("sku")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))

	entries, err := a.service.StockLedger(r.Context(), branchID, sku, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=\"stock-ledger.csv\"")
		_, _ = w.Write([]byte(ledgerToCSV(entries)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.Restock(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	branchID := r.URL.Query().Get("branch_id")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	entries, err := a.service.ListDiscrepancies(r.Context(), branchID, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleDiscrepancyActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/stock/discrepancies/"
	if !strings.HasSuffix(r.URL.Path, "/clear") {
		writeError(w, http.StatusBadRequest, errors.New("invalid discrepancy action path"))
		return
	}
	entryID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), "/clear")
	entryID = strings.TrimSpace(strings.Trim(entryID, "/"))
	if entryID == "" {
		writeError(w, http.StatusBadRequest, errors.New("ledger entry id required"))
		return
	}

	entry, err := a.service.ClearDiscrepancy(r.Context(), entryID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 500)
		customers, err := a.service.ListCustomers(r.Context(), limit)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
	case http.MethodPost:
		var req domain.CustomerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		customer, err := a.service.CreateCustomer(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/customers/"
	customerID := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if customerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}

	customer, err := a.service.GetCustomer(r.Context(), customerID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	branchID := r.URL.Query().Get("branch_id")
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), branchID, date, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cashiers := a.auth.ListCashiers()
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": cashiers})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		cashier, err := a.auth.CreateCashier(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Enforce CSRF protection for all state-changing requests.
		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// statusForError maps service and store errors onto HTTP status codes.
// Conflict covers the one-shot void rule. Errors without a sentinel are
// infrastructure failures (database, cache), so they surface as 500 and
// terminals keep the transaction queued for retry.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidSale):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyVoided):
		return http.StatusConflict
	case strings.Contains(strings.ToLower(err.Error()), "admin role required"):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func ledgerToCSV(entries []domain.StockLedgerEntry) string {
	lines := []string{"id,branch_id,sku,delta,cause_type,cause_id,resulting_level,flagged_discrepancy,created_at"}
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s,%s,%s,%d,%s,%s,%d,%t,%s",
			e.ID, e.BranchID, e.SKU, e.Delta, e.CauseType, e.CauseID, e.ResultingLevel, e.FlaggedDiscrepancy, e.CreatedAt.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n") + "\n"
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details (stack traces, SQL errors, file paths, etc.).
	// 4xx responses are user-facing so we return the original error message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
