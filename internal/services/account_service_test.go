package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestAccountService_ResolveAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)
	ctx := context.Background()

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("alice").
			WillReturnRows(accountRow(1, "alice", "sales"))

		account, err := service.ResolveAccount(ctx, "alice")
		assert.NoError(t, err)
		assert.Equal(t, 1, account.ID)
		assert.Equal(t, "alice", account.Username)
		assert.False(t, account.Privileged)
	})

	t.Run("management dept is privileged", func(t *testing.T) {
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("michael").
			WillReturnRows(accountRow(7, "michael", "management"))

		account, err := service.ResolveAccount(ctx, "michael")
		assert.NoError(t, err)
		assert.True(t, account.Privileged)
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		account, err := service.ResolveAccount(ctx, "ghost")
		assert.Nil(t, account)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("lookup is case sensitive", func(t *testing.T) {
		// The query parameter is passed through untouched; "Alice" is not
		// normalized to "alice" before it reaches the database.
		mock.ExpectQuery(resolveAccountQuery).
			WithArgs("Alice").
			WillReturnError(sql.ErrNoRows)

		_, err := service.ResolveAccount(ctx, "Alice")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	mock.ExpectQuery(getBalanceQuery).
		WithArgs(3).
		WillReturnRows(balanceRow(3, 750, 4))

	balance, err := service.GetBalance(context.Background(), 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(750), balance.Value)
	assert.Equal(t, 4, balance.Version)
}

func TestAccountService_DisableAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)
	ctx := context.Background()

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectExec("UPDATE users SET disabled = TRUE").
			WithArgs(sqlmock.AnyArg(), "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.DisableAccount(ctx, "alice"))
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectExec("UPDATE users SET disabled = TRUE").
			WithArgs(sqlmock.AnyArg(), "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.DisableAccount(ctx, "ghost")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
