package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type Transaction struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Items            []TransactionItem `json:"items"`
	Total            decimal.Decimal   `json:"total"`
	IsForSomeoneElse bool              `json:"is_for_someone_else"`
	IsNeccMember     bool              `json:"is_necc_member"`
	Nonce            string            `json:"nonce,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// ItemsTotal sums price*quantity over items.
func ItemsTotal(items []TransactionItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Clone returns a copy that shares nothing with t.
func (t Transaction) Clone() Transaction {
	t.Items = append([]TransactionItem(nil), t.Items...)
	return t
}

// Purchase is the checkout commit handed to a store: debit UserID by Total
// and record the matching transaction, or do neither.
type Purchase struct {
	UserID           string
	Items            []TransactionItem
	Total            decimal.Decimal
	IsForSomeoneElse bool
	IsNeccMember     bool
	Nonce            string
}

type PurchaseResult struct {
	Transaction Transaction
	NewBalance  decimal.Decimal
	// Replayed is set when the nonce had already been committed.
	Replayed bool
}

// Matches reports whether t records the same purchase as p: same user,
// total and item lines in the same order.
func (t Transaction) Matches(p Purchase) bool {
	if t.UserID != p.UserID || !t.Total.Equal(p.Total) || len(t.Items) != len(p.Items) {
		return false
	}
	for i, it := range t.Items {
		other := p.Items[i]
		if it.Name != other.Name || it.Quantity != other.Quantity || !it.Price.Equal(other.Price) {
			return false
		}
	}
	return true
}

// CheckReplay accepts t as the recorded outcome of p only when both
// describe the same purchase by the same user.
func (t Transaction) CheckReplay(p Purchase) error {
	if t.UserID != p.UserID {
		return NewValidationError("nonce", "belongs to another user")
	}
	if !t.Matches(p) {
		return NewValidationError("nonce", "already used for a different purchase")
	}
	return nil
}
