package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

const (
	resolveAccountQuery = "SELECT id, username, dept, disabled FROM users WHERE username = \\$1"
	getBalanceQuery     = "SELECT account_id, value, version, updated_at FROM balances WHERE account_id = \\$1"
	lockBalanceQuery    = "SELECT account_id, value, version, updated_at FROM balances WHERE account_id = \\$1 FOR UPDATE"
	updateBalanceQuery  = "UPDATE balances SET value = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE account_id = \\$3 AND version = \\$4"
	insertTxQuery       = "INSERT INTO transactions \\(reference, from_account_id, to_account_id, value, date\\)"
)

func newLedgerForTest(t *testing.T) (*LedgerService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	accounts := NewAccountService(db)
	service := NewLedgerService(db, accounts)
	return service, mock, func() { db.Close() }
}

func accountRow(id int, username, dept string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "username", "dept", "disabled"}).
		AddRow(id, username, dept, false)
}

func balanceRow(accountID int, value int64, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"account_id", "value", "version", "updated_at"}).
		AddRow(accountID, value, version, time.Now())
}

func disabledAccountRow(id int, username, dept string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "username", "dept", "disabled"}).
		AddRow(id, username, dept, true)
}

func TestCanTransfer(t *testing.T) {
	tests := []struct {
		name       string
		balance    int64
		privileged bool
		amount     int64
		want       bool
	}{
		{"sufficient balance", 500, false, 200, true},
		{"exact balance", 500, false, 500, true},
		{"insufficient balance", 100, false, 200, false},
		{"zero balance", 0, false, 1, false},
		{"privileged with zero balance", 0, true, 1000, true},
		{"privileged always admissible", 10, true, 1_000_000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransfer(tt.balance, tt.privileged, tt.amount))
		})
	}
}

func TestLedgerService_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("successful transfer", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))
		mock.ExpectQuery(getBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 500, 3))

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 500, 3))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 50, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(300), sqlmock.AnyArg(), 1, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(250), sqlmock.AnyArg(), 2, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), 1, 2, int64(200), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		receipt, err := service.Transfer(ctx, "alice", "bob", 200)
		assert.NoError(t, err)
		assert.Equal(t, "alice", receipt.From)
		assert.Equal(t, "bob", receipt.To)
		assert.Equal(t, int64(200), receipt.Value)
		assert.NotEmpty(t, receipt.Reference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds at pre-check", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))
		mock.ExpectQuery(getBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 100, 1))

		receipt, err := service.Transfer(ctx, "alice", "bob", 200)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		// No transaction was opened, nothing was written.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds against locked row", func(t *testing.T) {
		// Pre-check passes on a stale balance; the authoritative re-check
		// inside the transaction catches the concurrent debit.
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))
		mock.ExpectQuery(getBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 400, 1))

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 100, 2))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 300, 2))
		mock.ExpectRollback()

		receipt, err := service.Transfer(ctx, "alice", "bob", 300)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("privileged sender is never debited", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("michael").
			WillReturnRows(accountRow(1, "michael", "management"))

		// No pre-check read: privileged senders are always admissible.
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 0, 1))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 50, 1))
		// Only the receiver's balance is updated.
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(1050), sqlmock.AnyArg(), 2, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), 1, 2, int64(1000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		receipt, err := service.Transfer(ctx, "michael", "bob", 1000)
		assert.NoError(t, err)
		assert.Equal(t, int64(1000), receipt.Value)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty sender falls back to system issuer", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("pointsdeliveryman").
			WillReturnRows(accountRow(1, "pointsdeliveryman", "management"))

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 0, 1))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(500), sqlmock.AnyArg(), 2, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), 1, 2, int64(500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		receipt, err := service.Transfer(ctx, "", "bob", 500)
		assert.NoError(t, err)
		assert.Equal(t, "pointsdeliveryman", receipt.From)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system issuer missing", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("pointsdeliveryman").
			WillReturnError(sql.ErrNoRows)

		receipt, err := service.Transfer(ctx, "", "bob", 500)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrSystemAccountMissing)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("disabled sender cannot send", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("toby").
			WillReturnRows(disabledAccountRow(9, "toby", "hr"))

		receipt, err := service.Transfer(ctx, "toby", "bob", 50)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrAccountDisabled)
		// No transaction was opened, nothing was written.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("issuer cached after startup resolution", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("pointsdeliveryman").
			WillReturnRows(accountRow(1, "pointsdeliveryman", "management"))
		assert.NoError(t, service.ResolveSystemIssuer(ctx))

		// Only the receiver resolves; the issuer is served from the cache.
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 0, 1))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(100), sqlmock.AnyArg(), 2, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), 1, 2, int64(100), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		receipt, err := service.Transfer(ctx, "", "bob", 100)
		assert.NoError(t, err)
		assert.Equal(t, "pointsdeliveryman", receipt.From)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("receiver not found fails before sender is resolved", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("nonexistent").
			WillReturnError(sql.ErrNoRows)

		receipt, err := service.Transfer(ctx, "alice", "nonexistent", 50)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))

		receipt, err := service.Transfer(ctx, "alice", "alice", 50)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrSelfTransfer)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid amount rejected without any query", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		for _, amount := range []int64{0, -1, -500} {
			receipt, err := service.Transfer(ctx, "alice", "bob", amount)
			assert.Nil(t, receipt)
			assert.ErrorIs(t, err, ErrInvalidAmount)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed insert aborts without partial writes", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))
		mock.ExpectQuery(getBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 500, 1))

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 500, 1))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(300), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(200), sqlmock.AnyArg(), 2, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertTxQuery).
			WillReturnError(errors.New("disk is on fire"))
		mock.ExpectRollback()

		receipt, err := service.Transfer(ctx, "alice", "bob", 200)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("optimistic lock failure surfaces as transfer failure", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", "sales"))
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))
		mock.ExpectQuery(getBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 500, 1))

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(1).
			WillReturnRows(balanceRow(1, 500, 1))
		mock.ExpectQuery(lockBalanceQuery).
			WithArgs(2).
			WillReturnRows(balanceRow(2, 0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(300), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 0)) // no rows affected
		mock.ExpectRollback()

		receipt, err := service.Transfer(ctx, "alice", "bob", 200)
		assert.Nil(t, receipt)
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_lockOrdering(t *testing.T) {
	// Two transfers with swapped sender and receiver must acquire their row
	// locks in the same order, so the lower account id is always locked
	// first, whichever side it is on.
	ctx := context.Background()
	service, mock, closeDB := newLedgerForTest(t)
	defer closeDB()

	mock.ExpectQuery(resolveAccountQuery).
		WithArgs("bob").
		WillReturnRows(accountRow(2, "bob", "sales"))
	mock.ExpectQuery(resolveAccountQuery).
		WithArgs("zoe").
		WillReturnRows(accountRow(5, "zoe", "sales"))
	mock.ExpectQuery(getBalanceQuery).
		WithArgs(5).
		WillReturnRows(balanceRow(5, 400, 1))

	mock.ExpectBegin()
	// Sender has the higher id, yet the receiver's row (id 2) locks first.
	mock.ExpectQuery(lockBalanceQuery).
		WithArgs(2).
		WillReturnRows(balanceRow(2, 100, 1))
	mock.ExpectQuery(lockBalanceQuery).
		WithArgs(5).
		WillReturnRows(balanceRow(5, 400, 1))
	mock.ExpectExec(updateBalanceQuery).
		WithArgs(int64(100), sqlmock.AnyArg(), 5, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateBalanceQuery).
		WithArgs(int64(400), sqlmock.AnyArg(), 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertTxQuery).
		WithArgs(sqlmock.AnyArg(), 5, 2, int64(300), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	receipt, err := service.Transfer(ctx, "zoe", "bob", 300)
	assert.NoError(t, err)
	assert.Equal(t, "zoe", receipt.From)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_ResolveSystemIssuer(t *testing.T) {
	ctx := context.Background()

	t.Run("issuer present", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("pointsdeliveryman").
			WillReturnRows(accountRow(1, "pointsdeliveryman", "management"))

		assert.NoError(t, service.ResolveSystemIssuer(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("issuer missing", func(t *testing.T) {
		service, mock, closeDB := newLedgerForTest(t)
		defer closeDB()

		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("pointsdeliveryman").
			WillReturnError(sql.ErrNoRows)

		err := service.ResolveSystemIssuer(ctx)
		assert.ErrorIs(t, err, ErrSystemAccountMissing)
	})
}
