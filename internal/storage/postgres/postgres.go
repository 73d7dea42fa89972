package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type Storage struct {
	db *sql.DB
}

func New(dbUrl string) (*Storage, error) {
	db, err := sql.Open("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection error %w: %w", models.ErrBackendUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect database error %w: %w", models.ErrBackendUnavailable, err)
	}

	return &Storage{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// wrap classifies driver errors into the domain taxonomy.
func wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, models.NewValidationError(pqErr.Constraint, "already exists"))
	}

	return fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
}

const userColumns = "id, email, name, password_hash, balance, role, is_necc_member, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Balance, &role, &u.IsNeccMember, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (s *Storage) CreateUser(ctx context.Context, user *models.User) error {
	const op = "storage.postgres.CreateUser"

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		user.ID, user.Email, user.Name, user.PasswordHash, user.Balance, string(user.Role), user.IsNeccMember, user.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "users_email_key" {
			return fmt.Errorf("%s: %w", op, models.ErrDuplicateEmail)
		}
		return wrap(op, err)
	}

	return nil
}

func (s *Storage) UserByID(ctx context.Context, id string) (*models.User, error) {
	const op = "storage.postgres.UserByID"

	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, wrap(op, err)
	}

	return u, nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.UserByEmail"

	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email))
	if err != nil {
		return nil, wrap(op, err)
	}

	return u, nil
}

func (s *Storage) Users(ctx context.Context) ([]models.User, error) {
	const op = "storage.postgres.Users"

	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}

	return users, nil
}

func (s *Storage) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	const op = "storage.postgres.SetBalance"

	res, err := s.db.ExecContext(ctx, "UPDATE users SET balance = $1 WHERE id = $2", balance, id)
	if err != nil {
		return wrap(op, err)
	}

	return expectOneRow(op, res)
}

func (s *Storage) CreditBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	const op = "storage.postgres.CreditBalance"

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0 RETURNING balance",
		amount, id,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, wrap(op, err)
	}

	return balance, nil
}

func expectOneRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func (s *Storage) CreateProduct(ctx context.Context, product *models.Product) error {
	const op = "storage.postgres.CreateProduct"

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO products (id, name, price, stock) VALUES ($1, $2, $3, $4)",
		product.ID, product.Name, product.Price, product.Stock,
	)
	if err != nil {
		return wrap(op, err)
	}

	return nil
}

func (s *Storage) ProductByID(ctx context.Context, id string) (*models.Product, error) {
	const op = "storage.postgres.ProductByID"

	var p models.Product
	err := s.db.QueryRowContext(ctx, "SELECT id, name, price, stock FROM products WHERE id = $1", id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if err != nil {
		return nil, wrap(op, err)
	}

	return &p, nil
}

func (s *Storage) Products(ctx context.Context) ([]models.Product, error) {
	const op = "storage.postgres.Products"

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, price, stock FROM products ORDER BY id")
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	products := make([]models.Product, 0)
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, wrap(op, err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}

	return products, nil
}

func (s *Storage) SetStock(ctx context.Context, id string, stock int) error {
	const op = "storage.postgres.SetStock"

	res, err := s.db.ExecContext(ctx, "UPDATE products SET stock = $1 WHERE id = $2", stock, id)
	if err != nil {
		return wrap(op, err)
	}

	return expectOneRow(op, res)
}

const transactionColumns = "id, user_id, items, total, is_for_someone_else, is_necc_member, nonce, created_at"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, db execer, tx *models.Transaction) error {
	items, err := json.Marshal(tx.Items)
	if err != nil {
		return err
	}

	var nonce sql.NullString
	if tx.Nonce != "" {
		nonce = sql.NullString{String: tx.Nonce, Valid: true}
	}

	_, err = db.ExecContext(ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		tx.ID, tx.UserID, items, tx.Total, tx.IsForSomeoneElse, tx.IsNeccMember, nonce, tx.Timestamp,
	)
	return err
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var t models.Transaction
	var items []byte
	var nonce sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &items, &t.Total, &t.IsForSomeoneElse, &t.IsNeccMember, &nonce, &t.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &t.Items); err != nil {
		return nil, fmt.Errorf("decode items of %s: %w", t.ID, err)
	}
	t.Nonce = nonce.String
	return &t, nil
}

func (s *Storage) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	const op = "storage.postgres.AppendTransaction"

	if err := insertTransaction(ctx, s.db, tx); err != nil {
		return wrap(op, err)
	}

	return nil
}

func (s *Storage) TransactionByNonce(ctx context.Context, nonce string) (*models.Transaction, error) {
	const op = "storage.postgres.TransactionByNonce"

	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE nonce = $1", nonce))
	if err != nil {
		return nil, wrap(op, err)
	}

	return t, nil
}

func (s *Storage) queryTransactions(ctx context.Context, op, query string, args ...any) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}

	return out, nil
}

func (s *Storage) Transactions(ctx context.Context) ([]models.Transaction, error) {
	const op = "storage.postgres.Transactions"

	return s.queryTransactions(ctx, op,
		"SELECT "+transactionColumns+" FROM transactions ORDER BY created_at, id")
}

func (s *Storage) TransactionsByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	const op = "storage.postgres.TransactionsByUser"

	return s.queryTransactions(ctx, op,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_id = $1 ORDER BY created_at, id", userID)
}

// CommitPurchase locks the user row, re-checks the balance, debits it and
// records the transaction inside one SQL transaction.
func (s *Storage) CommitPurchase(ctx context.Context, p models.Purchase) (*models.PurchaseResult, error) {
	const op = "storage.postgres.CommitPurchase"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance decimal.Decimal
	if err := tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = $1 FOR UPDATE", p.UserID).Scan(&balance); err != nil {
		return nil, wrap(op, err)
	}

	if p.Nonce != "" {
		prior, err := scanTransaction(tx.QueryRowContext(ctx,
			"SELECT "+transactionColumns+" FROM transactions WHERE nonce = $1", p.Nonce))
		switch {
		case err == nil:
			if err := prior.CheckReplay(p); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			return &models.PurchaseResult{Transaction: *prior, NewBalance: balance, Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, wrap(op, err)
		}
	}

	if balance.LessThan(p.Total) {
		return nil, fmt.Errorf("%s: %w", op, &models.InsufficientFundsError{Required: p.Total, Available: balance})
	}

	newBalance := balance.Sub(p.Total)
	if _, err := tx.ExecContext(ctx, "UPDATE users SET balance = $1 WHERE id = $2", newBalance, p.UserID); err != nil {
		return nil, wrap(op, err)
	}

	record := models.Transaction{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		Items:            append([]models.TransactionItem(nil), p.Items...),
		Total:            p.Total,
		IsForSomeoneElse: p.IsForSomeoneElse,
		IsNeccMember:     p.IsNeccMember,
		Nonce:            p.Nonce,
		Timestamp:        time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, &record); err != nil {
		return nil, wrap(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap(op, err)
	}

	return &models.PurchaseResult{Transaction: record, NewBalance: newBalance}, nil
}
