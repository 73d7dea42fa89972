// Package ledger is the append-only record of completed purchases.
package ledger

import (
	"context"
	"slices"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/identity"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Stats struct {
	Revenue          decimal.Decimal `json:"revenue"`
	TransactionCount int             `json:"transaction_count"`
}

type Ledger struct {
	store storage.TransactionStore
	now   func() time.Time
}

func New(store storage.TransactionStore) *Ledger {
	return &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns a fresh id and timestamp to entry and stores it.
func (l *Ledger) Append(ctx context.Context, entry models.Transaction) (*models.Transaction, error) {
	if entry.UserID == "" {
		return nil, models.NewValidationError("user_id", "must not be empty")
	}
	for _, it := range entry.Items {
		if it.Quantity < 1 {
			return nil, models.NewValidationError("quantity", "must be at least 1")
		}
	}
	if !entry.Total.Equal(models.ItemsTotal(entry.Items)) {
		return nil, models.NewValidationError("total", "does not match items")
	}

	entry = entry.Clone()
	entry.ID = uuid.NewString()
	entry.Timestamp = l.now()

	if err := l.store.AppendTransaction(ctx, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// ListAll returns all transactions, newest first.
func (l *Ledger) ListAll(ctx context.Context) ([]models.Transaction, error) {
	txs, err := l.store.Transactions(ctx)
	if err != nil {
		return nil, err
	}
	newestFirst(txs)
	return txs, nil
}

// ListByUser returns the transactions of one user, newest first.
func (l *Ledger) ListByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	txs, err := l.store.TransactionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	newestFirst(txs)
	return txs, nil
}

// Visible applies the access policy: administrators see every transaction,
// members only their own.
func (l *Ledger) Visible(ctx context.Context, sess *identity.Session) ([]models.Transaction, error) {
	if sess == nil {
		return nil, models.ErrAuthenticationRequired
	}
	if sess.IsAdministrator() {
		return l.ListAll(ctx)
	}
	return l.ListByUser(ctx, sess.UserID)
}

func (l *Ledger) Stats(ctx context.Context, sess *identity.Session) (*Stats, error) {
	if err := identity.RequireAdministrator(sess); err != nil {
		return nil, err
	}

	txs, err := l.store.Transactions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Revenue: decimal.Zero, TransactionCount: len(txs)}
	for _, t := range txs {
		stats.Revenue = stats.Revenue.Add(t.Total)
	}

	return stats, nil
}

// newestFirst expects txs in append order; ties on timestamp keep the
// later append first.
func newestFirst(txs []models.Transaction) {
	slices.Reverse(txs)
	slices.SortStableFunc(txs, func(a, b models.Transaction) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}
