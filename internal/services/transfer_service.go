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
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kudoshq/backend/internal/models"
)

const rankingCacheTTL = 30 * time.Second

// TransferService exposes the ledger over HTTP: the transfer endpoint plus
// the read-only ranking, recent-transactions, and history views. The views
// never run inside a transfer transaction and never mutate state.
type TransferService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	accounts  *AccountService
	validator *ValidationHelper
}

func NewTransferService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, accounts *AccountService) *TransferService {
	return &TransferService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		accounts:  accounts,
		validator: NewValidationHelper(),
	}
}

// TransferRequest is the transfer endpoint payload. FromOverride lets a
// privileged caller send on behalf of another account (or leave the sender
// empty to issue points from the system account).
type TransferRequest struct {
	To           string `json:"to" validate:"required"`
	Amount       int64  `json:"amount" validate:"required"`
	FromOverride string `json:"from_override,omitempty"`
}

// CreateTransfer processes a points transfer
// @Summary Transfer points
// @Description Move points from the authenticated user's account to another account
// @Tags transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TransferRequest true "Transfer request"
// @Success 201 {object} models.Receipt
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /transfer [post]
func (ts *TransferService) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	caller, err := ts.callerAccount(r)
	if err != nil {
		ts.sendCallerError(w, err)
		return
	}

	var req TransferRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	from := caller.Username
	if req.FromOverride != "" {
		if !caller.Privileged {
			SendErrorResponse(w, "Only privileged accounts may override the sender", http.StatusForbidden, nil)
			return
		}
		from = req.FromOverride
	}

	receipt, err := ts.ledger.Transfer(r.Context(), from, req.To, req.Amount)
	if err != nil {
		log.Printf("[TRANSFER] Transfer from %s to %s failed: %v", from, req.To, err)
		ts.sendTransferError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"receipt": receipt,
	})
}

// IssuePoints mints points from the system issuer account
// @Summary Issue points
// @Description Send points to an account from the configured system issuer; privileged callers only
// @Tags transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{to=string,amount=int64} true "Issue request"
// @Success 201 {object} models.Receipt
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /points/issue [post]
func (ts *TransferService) IssuePoints(w http.ResponseWriter, r *http.Request) {
	caller, err := ts.callerAccount(r)
	if err != nil {
		ts.sendCallerError(w, err)
		return
	}

	if !caller.Privileged {
		SendErrorResponse(w, "Only privileged accounts may issue points", http.StatusForbidden, nil)
		return
	}

	var req struct {
		To     string `json:"to" validate:"required"`
		Amount int64  `json:"amount" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Empty sender routes through the system issuer fallback.
	receipt, err := ts.ledger.Transfer(r.Context(), "", req.To, req.Amount)
	if err != nil {
		log.Printf("[TRANSFER] Issue to %s failed: %v", req.To, err)
		ts.sendTransferError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"receipt": receipt,
	})
}

// sendTransferError maps ledger error kinds to HTTP statuses. Insufficient
// funds and unknown accounts are caller errors and keep distinct codes.
func (ts *TransferService) sendTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSelfTransfer):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrAccountDisabled):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, ErrSystemAccountMissing):
		log.Printf("[TRANSFER] ALERT: system issuer account missing: %v", err)
		SendErrorResponse(w, "Service misconfigured", http.StatusInternalServerError, nil)
	default:
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
	}
}

// GetRanking returns accounts ordered by balance
// @Summary Points ranking
// @Description Top accounts by current balance, highest first
// @Tags views
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of entries (default: 10, max: 100)"
// @Success 200 {array} models.RankingEntry
// @Failure 500 {object} ErrorResponse
// @Router /ranking [get]
func (ts *TransferService) GetRanking(w http.ResponseWriter, r *http.Request) {
	limit, ok := ts.parseLimit(w, r)
	if !ok {
		return
	}

	if cached := ts.cachedRanking(r.Context(), limit); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	ranking, err := ts.fetchRanking(limit)
	if err != nil {
		log.Printf("[RANKING] Failed to fetch ranking: %v", err)
		SendErrorResponse(w, "Failed to fetch ranking", http.StatusInternalServerError, nil)
		return
	}

	body, err := json.Marshal(ranking)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch ranking", http.StatusInternalServerError, nil)
		return
	}

	ts.storeRanking(r.Context(), limit, body)

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// GetRecentTransactions returns the latest ledger entries
// @Summary Recent transactions
// @Description Latest transactions across all accounts, newest first
// @Tags views
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of transactions (default: 10, max: 100)"
// @Success 200 {array} models.TransactionView
// @Failure 500 {object} ErrorResponse
// @Router /transactions/recent [get]
func (ts *TransferService) GetRecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := ts.parseLimit(w, r)
	if !ok {
		return
	}

	transactions, err := ts.fetchRecentTransactions(limit)
	if err != nil {
		log.Printf("[TRANSFER] Failed to fetch recent transactions: %v", err)
		SendErrorResponse(w, "Failed to fetch recent transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// GetTransactionHistory returns one account's ledger entries
// @Summary Transaction history
// @Description Transactions where the account is sender or receiver, newest first
// @Tags views
// @Produce json
// @Security BearerAuth
// @Param account query string false "Account username (defaults to the authenticated user)"
// @Success 200 {array} models.TransactionView
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /transactions/history [get]
func (ts *TransferService) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	caller, err := ts.callerAccount(r)
	if err != nil {
		ts.sendCallerError(w, err)
		return
	}

	username := r.URL.Query().Get("account")
	if username == "" {
		username = caller.Username
	}

	account, err := ts.accounts.ResolveAccount(r.Context(), username)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		}
		return
	}

	transactions, err := ts.fetchTransactionHistory(account.ID)
	if err != nil {
		log.Printf("[TRANSFER] Failed to fetch history for %s: %v", username, err)
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// AccountBalanceEnquiry returns one account's current balance
// @Summary Balance enquiry
// @Description Current balance for an account; restricted to the account owner or privileged callers
// @Tags views
// @Produce json
// @Security BearerAuth
// @Param username query string false "Account username (defaults to the authenticated user)"
// @Success 200 {object} object{username=string,balance=int64,updated_at=string}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance-enquiry [get]
func (ts *TransferService) AccountBalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	caller, err := ts.callerAccount(r)
	if err != nil {
		ts.sendCallerError(w, err)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		username = caller.Username
	}

	if username != caller.Username && !caller.Privileged {
		SendErrorResponse(w, "Not allowed to view this balance", http.StatusForbidden, nil)
		return
	}

	account, err := ts.accounts.ResolveAccount(r.Context(), username)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	balance, err := ts.accounts.GetBalance(r.Context(), account.ID)
	if err != nil {
		log.Printf("[TRANSFER] Failed to fetch balance for %s: %v", username, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"username":   account.Username,
		"balance":    balance.Value,
		"updated_at": balance.UpdatedAt,
	})
}

// callerAccount resolves the authenticated user's account from the userID
// that the auth middleware stored in the request context.
func (ts *TransferService) callerAccount(r *http.Request) (*models.Account, error) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("no user in context")
	}

	var account models.Account
	var dept string
	err := ts.db.QueryRow(`
		SELECT id, username, dept, disabled FROM users WHERE id = $1::integer`, userID).
		Scan(&account.ID, &account.Username, &dept, &account.Disabled)
	if err != nil {
		return nil, err
	}
	if account.Disabled {
		return nil, fmt.Errorf("%w: %q", ErrAccountDisabled, account.Username)
	}
	account.Privileged = dept == "management"
	return &account, nil
}

// sendCallerError distinguishes a soft-disabled caller, whose token may
// still be valid, from a request with no usable identity at all.
func (ts *TransferService) sendCallerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAccountDisabled) {
		SendErrorResponse(w, "Account disabled", http.StatusForbidden, nil)
		return
	}
	SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
}

func (ts *TransferService) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req struct {
		Limit int `validate:"omitempty,min=1,max=100"`
	}
	req.Limit = 10

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return 0, false
	}
	return req.Limit, true
}

// View queries

func (ts *TransferService) fetchRanking(limit int) ([]models.RankingEntry, error) {
	// Ties broken by account id ascending so the ordering is deterministic.
	rows, err := ts.db.Query(`
		SELECT u.id, u.username, b.value
		FROM balances b
		INNER JOIN users u ON u.id = b.account_id
		WHERE NOT u.disabled
		ORDER BY b.value DESC, u.id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranking := []models.RankingEntry{}
	for rows.Next() {
		var entry models.RankingEntry
		if err := rows.Scan(&entry.AccountID, &entry.Username, &entry.Balance); err != nil {
			return nil, err
		}
		ranking = append(ranking, entry)
	}
	return ranking, rows.Err()
}

func (ts *TransferService) fetchRecentTransactions(limit int) ([]models.TransactionView, error) {
	rows, err := ts.db.Query(`
		SELECT t.id, t.reference, fu.username, tu.username, t.value, t.date
		FROM transactions t
		INNER JOIN users fu ON fu.id = t.from_account_id
		INNER JOIN users tu ON tu.id = t.to_account_id
		ORDER BY t.id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactionViews(rows)
}

func (ts *TransferService) fetchTransactionHistory(accountID int) ([]models.TransactionView, error) {
	rows, err := ts.db.Query(`
		SELECT t.id, t.reference, fu.username, tu.username, t.value, t.date
		FROM transactions t
		INNER JOIN users fu ON fu.id = t.from_account_id
		INNER JOIN users tu ON tu.id = t.to_account_id
		WHERE t.from_account_id = $1 OR t.to_account_id = $1
		ORDER BY t.id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactionViews(rows)
}

func scanTransactionViews(rows *sql.Rows) ([]models.TransactionView, error) {
	transactions := []models.TransactionView{}
	for rows.Next() {
		var tx models.TransactionView
		if err := rows.Scan(&tx.ID, &tx.Reference, &tx.From, &tx.To, &tx.Value, &tx.Date); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// Ranking cache

func (ts *TransferService) cachedRanking(ctx context.Context, limit int) []byte {
	if ts.redis == nil {
		return nil
	}
	body, err := ts.redis.Get(ctx, rankingCacheKey(limit)).Bytes()
	if err != nil {
		return nil
	}
	return body
}

func (ts *TransferService) storeRanking(ctx context.Context, limit int, body []byte) {
	if ts.redis == nil {
		return
	}
	if err := ts.redis.Set(ctx, rankingCacheKey(limit), body, rankingCacheTTL).Err(); err != nil {
		log.Printf("[RANKING] Failed to cache ranking: %v", err)
	}
}

func rankingCacheKey(limit int) string {
	return fmt.Sprintf("ranking:%d", limit)
}
