package models

import (
	"time"
)

// Transaction is one immutable ledger entry: points moved between two
// accounts. Rows are append-only; balances are an eagerly maintained
// projection of this history.
type Transaction struct {
	ID            int64     `json:"id" db:"id"`
	Reference     string    `json:"reference" db:"reference"`
	FromAccountID int       `json:"from_account_id" db:"from_account_id"`
	ToAccountID   int       `json:"to_account_id" db:"to_account_id"`
	Value         int64     `json:"value" db:"value"`
	Date          time.Time `json:"date" db:"date"`
}

// TransactionView is a ledger entry joined with its account usernames,
// returned by the read-only history endpoints.
type TransactionView struct {
	ID        int64     `json:"id"`
	Reference string    `json:"reference"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     int64     `json:"value"`
	Date      time.Time `json:"date"`
}

// Receipt summarizes one committed transfer.
type Receipt struct {
	Reference string    `json:"reference"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     int64     `json:"value"`
	Date      time.Time `json:"date"`
}
