package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kudoshq/backend/internal/models"
	"github.com/spf13/viper"
)

// LedgerService moves points between accounts. Each transfer is one database
// transaction: both balance rows are locked, the admissibility check is
// re-run against the locked values, the deltas are applied, and one
// append-only transaction row is written. Either all of it commits or none.
type LedgerService struct {
	db       *sql.DB
	accounts *AccountService

	systemAccount string

	issuerMu sync.Mutex
	issuer   *models.Account
}

func NewLedgerService(db *sql.DB, accounts *AccountService) *LedgerService {
	viper.SetDefault("ledger.system_account", "pointsdeliveryman")
	return &LedgerService{
		db:            db,
		accounts:      accounts,
		systemAccount: viper.GetString("ledger.system_account"),
	}
}

// CanTransfer reports whether a sender with the given balance may move
// amount points. Privileged senders are an unlimited source. Amount
// positivity is the caller's responsibility.
func CanTransfer(balance int64, privileged bool, amount int64) bool {
	if privileged {
		return true
	}
	return balance >= amount
}

// ResolveSystemIssuer resolves the configured issuer account once at startup.
// A missing issuer is an operator error, so main treats a failure here as
// fatal rather than deferring it to the first transfer.
func (s *LedgerService) ResolveSystemIssuer(ctx context.Context) error {
	account, err := s.accounts.ResolveAccount(ctx, s.systemAccount)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrSystemAccountMissing, s.systemAccount)
	}
	s.issuerMu.Lock()
	s.issuer = account
	s.issuerMu.Unlock()
	log.Printf("[LEDGER] System issuer resolved: %s (account %d)", account.Username, account.ID)
	return nil
}

// Transfer moves amount points from one account to another and returns a
// receipt. An empty fromUsername means the system issuer sends the points.
// Failures are reported through the sentinel errors in errors.go; on any
// failure no balance changes and no transaction row is written.
func (s *LedgerService) Transfer(ctx context.Context, fromUsername, toUsername string, amount int64) (*models.Receipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	// Resolve the receiver first: the destination is the more commonly
	// mistyped side, and nothing should be touched if it does not exist.
	toAccount, err := s.accounts.ResolveAccount(ctx, toUsername)
	if err != nil {
		return nil, err
	}

	fromAccount, err := s.resolveSender(ctx, fromUsername)
	if err != nil {
		return nil, err
	}

	// Soft-disabled accounts keep their balance and may still receive, but
	// they cannot send.
	if fromAccount.Disabled {
		return nil, fmt.Errorf("%w: %q", ErrAccountDisabled, fromAccount.Username)
	}

	if fromAccount.ID == toAccount.ID && !fromAccount.Privileged {
		return nil, ErrSelfTransfer
	}

	// Fast-fail pre-check on the possibly stale balance. The authoritative
	// check happens again below against the locked row.
	if !fromAccount.Privileged {
		balance, err := s.accounts.GetBalance(ctx, fromAccount.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if !CanTransfer(balance.Value, false, amount) {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, balance.Value, amount)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer tx.Rollback()

	fromBalance, toBalance, err := s.lockBalances(tx, fromAccount.ID, toAccount.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if !CanTransfer(fromBalance.Value, fromAccount.Privileged, amount) {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, fromBalance.Value, amount)
	}

	// Privileged senders are never debited; they are the mint.
	if !fromAccount.Privileged {
		if err := s.updateBalance(tx, fromAccount.ID, fromBalance.Value-amount, fromBalance.Version); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	if err := s.updateBalance(tx, toAccount.ID, toBalance.Value+amount, toBalance.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	entry := models.Transaction{
		Reference:     uuid.NewString(),
		FromAccountID: fromAccount.ID,
		ToAccountID:   toAccount.ID,
		Value:         amount,
		Date:          time.Now(),
	}
	if err := s.insertTransaction(tx, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	log.Printf("[LEDGER] Transfer committed: %s -> %s, %d points (ref %s)",
		fromAccount.Username, toAccount.Username, amount, entry.Reference)

	return &models.Receipt{
		Reference: entry.Reference,
		From:      fromAccount.Username,
		To:        toAccount.Username,
		Value:     amount,
		Date:      entry.Date,
	}, nil
}

func (s *LedgerService) resolveSender(ctx context.Context, fromUsername string) (*models.Account, error) {
	if fromUsername == "" {
		s.issuerMu.Lock()
		defer s.issuerMu.Unlock()
		if s.issuer != nil {
			return s.issuer, nil
		}
		account, err := s.accounts.ResolveAccount(ctx, s.systemAccount)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrSystemAccountMissing, s.systemAccount)
		}
		s.issuer = account
		return account, nil
	}
	return s.accounts.ResolveAccount(ctx, fromUsername)
}

// lockBalances acquires FOR UPDATE locks on both balance rows in ascending
// account-id order so that two transfers with swapped sender and receiver
// cannot deadlock. A privileged self-transfer locks its single row once.
func (s *LedgerService) lockBalances(tx *sql.Tx, fromID, toID int) (*models.Balance, *models.Balance, error) {
	if fromID == toID {
		balance, err := s.lockBalance(tx, fromID)
		if err != nil {
			return nil, nil, err
		}
		return balance, balance, nil
	}

	firstLock, secondLock := fromID, toID
	if fromID > toID {
		firstLock, secondLock = toID, fromID
	}

	first, err := s.lockBalance(tx, firstLock)
	if err != nil {
		return nil, nil, err
	}

	second, err := s.lockBalance(tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	if firstLock != fromID {
		first, second = second, first
	}
	return first, second, nil
}

func (s *LedgerService) lockBalance(tx *sql.Tx, accountID int) (*models.Balance, error) {
	var balance models.Balance
	err := tx.QueryRow(`
		SELECT account_id, value, version, updated_at
		FROM balances
		WHERE account_id = $1
		FOR UPDATE`, accountID).
		Scan(&balance.AccountID, &balance.Value, &balance.Version, &balance.UpdatedAt)
	return &balance, err
}

func (s *LedgerService) updateBalance(tx *sql.Tx, accountID int, newValue int64, version int) error {
	result, err := tx.Exec(`
		UPDATE balances
		SET value = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newValue, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %d", accountID)
	}
	return nil
}

func (s *LedgerService) insertTransaction(tx *sql.Tx, entry *models.Transaction) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (reference, from_account_id, to_account_id, value, date)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.Reference, entry.FromAccountID, entry.ToAccountID, entry.Value, entry.Date)
	return err
}
