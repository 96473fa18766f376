package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/kudoshq/backend/internal/models"
)

// AccountService resolves account identifiers against the users table and
// carries the administrative disable operation. It never touches balances
// outside of reads; all balance mutation goes through the ledger.
type AccountService struct {
	db *sql.DB
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{db: db}
}

// ResolveAccount maps a username to its account. The match is exact and
// case-sensitive; a miss returns ErrAccountNotFound.
func (s *AccountService) ResolveAccount(ctx context.Context, username string) (*models.Account, error) {
	var account models.Account
	var dept string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, dept, disabled
		FROM users
		WHERE username = $1`, username).
		Scan(&account.ID, &account.Username, &dept, &account.Disabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, username)
	}
	if err != nil {
		return nil, err
	}

	account.Privileged = dept == "management"
	return &account, nil
}

// ResolveAccountByID looks up an account by the user id carried in an auth
// token. The id arrives as a string because JWT claims round-trip through
// JSON numbers.
func (s *AccountService) ResolveAccountByID(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	var dept string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, dept, disabled
		FROM users
		WHERE id = $1::integer`, userID).
		Scan(&account.ID, &account.Username, &dept, &account.Disabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return nil, err
	}

	account.Privileged = dept == "management"
	return &account, nil
}

// GetBalance returns the current stored balance for an account. The value may
// be stale by the time the caller uses it; admissibility decisions are always
// re-checked against the locked row inside the transfer transaction.
func (s *AccountService) GetBalance(ctx context.Context, accountID int) (*models.Balance, error) {
	var balance models.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, value, version, updated_at
		FROM balances
		WHERE account_id = $1`, accountID).
		Scan(&balance.AccountID, &balance.Value, &balance.Version, &balance.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// DisableAccount soft-disables a user. The account row and its balance are
// kept; the ledger history referencing the account stays intact.
func (s *AccountService) DisableAccount(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET disabled = TRUE, updated_at = $1 WHERE username = $2`,
		time.Now(), username)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, username)
	}

	log.Printf("[ACCOUNT] Disabled account: %s", username)
	return nil
}
