// Package models holds the persistent row types for the campaign
// store.
package models

import "database/sql"

// Subscriber is one row of the subscribers table joined with its open
// invoice balance. Only the columns the outbound campaign reads and
// writes are modeled.
type Subscriber struct {
	ID       int64
	Name     string
	Phone    string
	// CutDay is the day of month the bill closes, stored as a string
	// column.
	CutDay      string
	Attempts    int
	IsSent      bool
	CompletedAt sql.NullTime
	// DebtTotal is the sum of open invoice balances, computed by the
	// dispatch query.
	DebtTotal float64
}
