// Package storage declares the capability set every persistence backend
// implements. The rest of the application depends only on Store.
package storage

import (
	"context"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/shopspring/decimal"
)

type UserStore interface {
	// CreateUser returns models.ErrDuplicateEmail if the email is taken.
	CreateUser(ctx context.Context, user *models.User) error
	UserByID(ctx context.Context, id string) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	Users(ctx context.Context) ([]models.User, error)
	SetBalance(ctx context.Context, id string, balance decimal.Decimal) error
	// CreditBalance adds amount to the stored balance and returns the result.
	CreditBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error)
}

type ProductStore interface {
	CreateProduct(ctx context.Context, product *models.Product) error
	ProductByID(ctx context.Context, id string) (*models.Product, error)
	Products(ctx context.Context) ([]models.Product, error)
	SetStock(ctx context.Context, id string, stock int) error
}

type TransactionStore interface {
	AppendTransaction(ctx context.Context, tx *models.Transaction) error
	Transactions(ctx context.Context) ([]models.Transaction, error)
	TransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error)
	// TransactionByNonce returns models.ErrNotFound when no committed
	// purchase carries nonce.
	TransactionByNonce(ctx context.Context, nonce string) (*models.Transaction, error)
}

type Store interface {
	UserStore
	ProductStore
	TransactionStore

	// CommitPurchase debits the user and appends the transaction as a single
	// unit. The balance is re-checked under the store's own lock. A nonce that
	// was already committed returns the recorded transaction with Replayed set;
	// a nonce reused for a different purchase is a validation error.
	CommitPurchase(ctx context.Context, purchase models.Purchase) (*models.PurchaseResult, error)

	Close() error
}
