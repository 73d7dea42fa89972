// Package checkout turns a cart into a committed purchase.
package checkout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IlyasAtabaev731/vending-shop/internal/cart"
	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/identity"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateIdle       State = "idle"
	StateReviewing  State = "reviewing"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
)

type Options struct {
	IsForSomeoneElse bool
	IsNeccMember     bool
	// Nonce makes a retried attempt safe; one is generated when empty.
	Nonce string
}

type Result struct {
	State         State
	NewBalance    decimal.Decimal
	TransactionID string
	Transaction   *models.Transaction
	Replayed      bool
}

type UserSource interface {
	CurrentUser(ctx context.Context, sess *identity.Session) (*models.User, error)
}

type Committer interface {
	TransactionByNonce(ctx context.Context, nonce string) (*models.Transaction, error)
	CommitPurchase(ctx context.Context, purchase models.Purchase) (*models.PurchaseResult, error)
}

type Orchestrator struct {
	log   *slog.Logger
	users UserSource
	store Committer
}

func New(log *slog.Logger, users UserSource, store Committer) *Orchestrator {
	return &Orchestrator{log: log, users: users, store: store}
}

// AttemptCheckout always returns a Result carrying the state the attempt
// ended in. Refusals that mutate nothing end in StateReviewing; store
// failures end in StateRejected.
//
// A nonce that was already committed by the same user replays the recorded
// outcome and leaves the cart alone. It is checked before the cart and the
// balance so a retry after a successful commit is answered the same way.
func (o *Orchestrator) AttemptCheckout(ctx context.Context, sess *identity.Session, c *cart.Cart, opts Options) (*Result, error) {
	res := &Result{State: StateReviewing}

	if sess == nil {
		return res, models.ErrAuthenticationRequired
	}

	user, err := o.users.CurrentUser(ctx, sess)
	if err != nil {
		return o.refuse(res, err)
	}

	items := c.Items()
	purchase := newPurchase(user, items, opts)

	if opts.Nonce != "" {
		prior, err := o.store.TransactionByNonce(ctx, opts.Nonce)
		switch {
		case err == nil:
			return o.replay(res, user, prior, purchase)
		case !errors.Is(err, models.ErrNotFound):
			return o.refuse(res, err)
		}
	}

	if len(items) == 0 {
		return res, models.NewValidationError("cart", "is empty")
	}

	if purchase.Nonce == "" {
		purchase.Nonce = uuid.NewString()
	}

	if user.Balance.LessThan(purchase.Total) {
		return res, &models.InsufficientFundsError{Required: purchase.Total, Available: user.Balance}
	}

	res.State = StateCommitting
	o.log.Debug("Committing checkout",
		slog.String("user_id", user.ID),
		slog.String("total", purchase.Total.StringFixed(2)),
		slog.String("nonce", purchase.Nonce),
	)

	committed, err := o.store.CommitPurchase(ctx, purchase)
	if err != nil {
		return o.refuse(res, err)
	}

	// A concurrent attempt with the same nonce already took these lines.
	if !committed.Replayed {
		c.Deduct(items)
	}

	res.State = StateCommitted
	res.NewBalance = committed.NewBalance
	res.TransactionID = committed.Transaction.ID
	res.Transaction = &committed.Transaction
	res.Replayed = committed.Replayed

	o.log.Info("Checkout committed",
		slog.String("user_id", user.ID),
		slog.String("transaction_id", res.TransactionID),
		slog.String("total", committed.Transaction.Total.StringFixed(2)),
		slog.String("new_balance", res.NewBalance.StringFixed(2)),
		slog.Bool("replayed", res.Replayed),
	)

	return res, nil
}

func newPurchase(user *models.User, items []models.CartItem, opts Options) models.Purchase {
	p := models.Purchase{
		UserID:           user.ID,
		Items:            make([]models.TransactionItem, 0, len(items)),
		IsForSomeoneElse: opts.IsForSomeoneElse,
		IsNeccMember:     opts.IsNeccMember,
		Nonce:            opts.Nonce,
	}
	for _, it := range items {
		p.Items = append(p.Items, models.TransactionItem{Name: it.Name, Price: it.Price, Quantity: it.Quantity})
	}
	p.Total = models.ItemsTotal(p.Items)
	return p
}

// replay answers a retried nonce. An empty cart is the usual retry, since
// the first commit emptied it; a non-empty cart must hold the same purchase.
func (o *Orchestrator) replay(res *Result, user *models.User, prior *models.Transaction, p models.Purchase) (*Result, error) {
	var err error
	if len(p.Items) == 0 {
		if prior.UserID != user.ID {
			err = models.NewValidationError("nonce", "belongs to another user")
		}
	} else {
		err = prior.CheckReplay(p)
	}
	if err != nil {
		return res, err
	}

	res.State = StateCommitted
	res.NewBalance = user.Balance
	res.TransactionID = prior.ID
	res.Transaction = prior
	res.Replayed = true

	o.log.Info("Checkout replayed",
		slog.String("user_id", user.ID),
		slog.String("transaction_id", prior.ID),
		slog.String("nonce", prior.Nonce),
	)

	return res, nil
}

func (o *Orchestrator) refuse(res *Result, err error) (*Result, error) {
	if errors.Is(err, models.ErrInsufficientFunds) ||
		errors.Is(err, models.ErrAuthenticationRequired) ||
		errors.Is(err, models.ErrValidation) {
		res.State = StateReviewing
		return res, err
	}

	res.State = StateRejected
	o.log.Error("Checkout rejected", slog.String("error", err.Error()))
	return res, err
}
