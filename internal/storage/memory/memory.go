// Package memory is the local Store: state lives in process memory and,
// when a state path is configured, is mirrored to a JSON file on disk after
// every mutation.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu           sync.RWMutex
	path         string
	users        map[string]models.User
	products     map[string]models.Product
	transactions []models.Transaction
	nonces       map[string]int
	now          func() time.Time
}

// snapshot is the on-disk layout. Keys match the vending_* names used by
// the browser client's local storage.
type snapshot struct {
	Users        []models.User        `json:"vending_users"`
	Products     []models.Product     `json:"vending_products"`
	Transactions []models.Transaction `json:"vending_transactions"`
}

// New creates a store. An empty path keeps everything in memory only; a
// missing file at path starts from an empty state.
func New(path string) (*Store, error) {
	const op = "storage.memory.New"

	s := &Store{
		path:     path,
		users:    make(map[string]models.User),
		products: make(map[string]models.Product),
		nonces:   make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}

	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", op, path, err)
	}
	for _, u := range snap.Users {
		s.users[u.ID] = u
	}
	for _, p := range snap.Products {
		s.products[p.ID] = p
	}
	s.transactions = snap.Transactions
	for i, t := range s.transactions {
		if t.Nonce != "" {
			s.nonces[t.Nonce] = i
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	return nil
}

// persist must be called with mu held for writing.
func (s *Store) persist() error {
	const op = "storage.memory.persist"

	if s.path == "" {
		return nil
	}

	snap := snapshot{
		Users:        s.sortedUsers(),
		Products:     s.sortedProducts(),
		Transactions: s.transactions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".vending-*.json")
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
	}

	return nil
}

func (s *Store) sortedUsers() []models.User {
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b models.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) sortedProducts() []models.Product {
	out := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b models.Product) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	const op = "storage.memory.CreateUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%s: %w", op, models.NewValidationError("id", "already exists"))
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return fmt.Errorf("%s: %w", op, models.ErrDuplicateEmail)
		}
	}

	s.users[user.ID] = *user
	if err := s.persist(); err != nil {
		delete(s.users, user.ID)
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) UserByID(_ context.Context, id string) (*models.User, error) {
	const op = "storage.memory.UserByID"

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%s: user %s: %w", op, id, models.ErrNotFound)
	}

	return &u, nil
}

func (s *Store) UserByEmail(_ context.Context, email string) (*models.User, error) {
	const op = "storage.memory.UserByEmail"

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}

	return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
}

func (s *Store) Users(_ context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedUsers(), nil
}

func (s *Store) SetBalance(_ context.Context, id string, balance decimal.Decimal) error {
	const op = "storage.memory.SetBalance"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%s: user %s: %w", op, id, models.ErrNotFound)
	}

	prev := u.Balance
	u.Balance = balance
	s.users[id] = u
	if err := s.persist(); err != nil {
		u.Balance = prev
		s.users[id] = u
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) CreditBalance(_ context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	const op = "storage.memory.CreditBalance"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: user %s: %w", op, id, models.ErrNotFound)
	}

	prev := u.Balance
	u.Balance = u.Balance.Add(amount)
	if u.Balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: %w", op, models.NewValidationError("balance", "must not be negative"))
	}
	s.users[id] = u
	if err := s.persist(); err != nil {
		u.Balance = prev
		s.users[id] = u
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}

	return u.Balance, nil
}

func (s *Store) CreateProduct(_ context.Context, product *models.Product) error {
	const op = "storage.memory.CreateProduct"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; ok {
		return fmt.Errorf("%s: %w", op, models.NewValidationError("id", "product already exists"))
	}

	s.products[product.ID] = *product
	if err := s.persist(); err != nil {
		delete(s.products, product.ID)
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) ProductByID(_ context.Context, id string) (*models.Product, error) {
	const op = "storage.memory.ProductByID"

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%s: product %s: %w", op, id, models.ErrNotFound)
	}

	return &p, nil
}

func (s *Store) Products(_ context.Context) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedProducts(), nil
}

func (s *Store) SetStock(_ context.Context, id string, stock int) error {
	const op = "storage.memory.SetStock"

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return fmt.Errorf("%s: product %s: %w", op, id, models.ErrNotFound)
	}

	prev := p.Stock
	p.Stock = stock
	s.products[id] = p
	if err := s.persist(); err != nil {
		p.Stock = prev
		s.products[id] = p
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) AppendTransaction(_ context.Context, tx *models.Transaction) error {
	const op = "storage.memory.AppendTransaction"

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Nonce != "" {
		if _, ok := s.nonces[tx.Nonce]; ok {
			return fmt.Errorf("%s: %w", op, models.NewValidationError("nonce", "already used"))
		}
	}

	if err := s.appendLocked(tx.Clone()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// appendLocked must be called with mu held for writing. On a failed write
// the transaction is dropped again.
func (s *Store) appendLocked(tx models.Transaction) error {
	s.transactions = append(s.transactions, tx)
	if tx.Nonce != "" {
		s.nonces[tx.Nonce] = len(s.transactions) - 1
	}

	if err := s.persist(); err != nil {
		s.transactions = s.transactions[:len(s.transactions)-1]
		delete(s.nonces, tx.Nonce)
		return err
	}

	return nil
}

func (s *Store) Transactions(_ context.Context) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, t.Clone())
	}

	return out, nil
}

func (s *Store) TransactionsByUser(_ context.Context, userID string) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Transaction, 0)
	for _, t := range s.transactions {
		if t.UserID == userID {
			out = append(out, t.Clone())
		}
	}

	return out, nil
}

func (s *Store) TransactionByNonce(_ context.Context, nonce string) (*models.Transaction, error) {
	const op = "storage.memory.TransactionByNonce"

	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.nonces[nonce]
	if !ok || nonce == "" {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}

	t := s.transactions[i].Clone()
	return &t, nil
}

func (s *Store) CommitPurchase(_ context.Context, p models.Purchase) (*models.PurchaseResult, error) {
	const op = "storage.memory.CommitPurchase"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[p.UserID]
	if !ok {
		return nil, fmt.Errorf("%s: user %s: %w", op, p.UserID, models.ErrNotFound)
	}

	if i, ok := s.nonces[p.Nonce]; ok && p.Nonce != "" {
		prior := s.transactions[i]
		if err := prior.CheckReplay(p); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &models.PurchaseResult{Transaction: prior.Clone(), NewBalance: u.Balance, Replayed: true}, nil
	}

	if u.Balance.LessThan(p.Total) {
		return nil, fmt.Errorf("%s: %w", op, &models.InsufficientFundsError{Required: p.Total, Available: u.Balance})
	}

	prev := u.Balance
	u.Balance = u.Balance.Sub(p.Total)
	s.users[u.ID] = u

	tx := models.Transaction{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		Items:            append([]models.TransactionItem(nil), p.Items...),
		Total:            p.Total,
		IsForSomeoneElse: p.IsForSomeoneElse,
		IsNeccMember:     p.IsNeccMember,
		Nonce:            p.Nonce,
		Timestamp:        s.now(),
	}

	if err := s.appendLocked(tx); err != nil {
		u.Balance = prev
		s.users[u.ID] = u
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.PurchaseResult{Transaction: tx.Clone(), NewBalance: u.Balance}, nil
}
