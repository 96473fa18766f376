package models

import (
	"time"
)

// Account is a user's point-holding identity. Privileged accounts (dept
// "management" and the system issuer) may send points without being debited.
type Account struct {
	ID         int    `json:"id" db:"id"`
	Username   string `json:"username" db:"username"`
	Privileged bool   `json:"privileged" db:"privileged"`
	Disabled   bool   `json:"disabled" db:"disabled"`
}

// Balance is the current point total for one account, 1:1 with Account.
// Mutated only inside a transfer transaction.
type Balance struct {
	AccountID int       `json:"account_id" db:"account_id"`
	Value     int64     `json:"value" db:"value"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RankingEntry is one row of the top-balances view.
type RankingEntry struct {
	AccountID int    `json:"account_id"`
	Username  string `json:"username"`
	Balance   int64  `json:"balance"`
}
