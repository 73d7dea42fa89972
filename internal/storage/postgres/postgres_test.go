package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage/postgres"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	userCols        = []string{"id", "email", "name", "password_hash", "balance", "role", "is_necc_member", "created_at"}
	transactionCols = []string{"id", "user_id", "items", "total", "is_for_someone_else", "is_necc_member", "nonce", "created_at"}
)

func setupMockDB(t *testing.T) (*postgres.Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return postgres.NewWithDB(db), mock
}

func purchase() models.Purchase {
	items := []models.TransactionItem{{Name: "Water", Price: decimal.RequireFromString("0.20"), Quantity: 1}}
	return models.Purchase{UserID: "u1", Items: items, Total: models.ItemsTotal(items), Nonce: "n-1"}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	err := store.CreateUser(context.Background(), &models.User{ID: "u1", Email: "ana@example.com", Role: models.RoleMember})

	assert.True(t, errors.Is(err, models.ErrDuplicateEmail))
}

func TestUserByEmail(t *testing.T) {
	store, mock := setupMockDB(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "ana@example.com", "Ana", "hash", "12.50", "member", true, created))

	u, err := store.UserByEmail(context.Background(), "ana@example.com")
	require.NoError(t, err)

	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "12.50", u.Balance.StringFixed(2))
	assert.Equal(t, models.RoleMember, u.Role)
	assert.True(t, u.IsNeccMember)
	assert.True(t, created.Equal(u.CreatedAt))
}

func TestUserByID_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err := store.UserByID(context.Background(), "nobody")

	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUsers_BackendFailure(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users ORDER BY created_at, id")).
		WillReturnError(sql.ErrConnDone)

	_, err := store.Users(context.Background())

	assert.True(t, errors.Is(err, models.ErrBackendUnavailable))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestSetStock_UnknownProduct(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET stock = $1 WHERE id = $2")).
		WithArgs(4, "Z1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetStock(context.Background(), "Z1", 4)

	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestProducts(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, price, stock FROM products ORDER BY id")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "stock"}).
			AddRow("A1", "Twix", "0.70", 10).
			AddRow("A7", "Water", "0.20", 3))

	products, err := store.Products(context.Background())
	require.NoError(t, err)

	require.Len(t, products, 2)
	assert.Equal(t, "Twix", products[0].Name)
	assert.Equal(t, "0.20", products[1].Price.StringFixed(2))
	assert.Equal(t, 3, products[1].Stock)
}

func TestTransactionsByUser(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("t1", "u1", []byte(`[{"name":"Twix","price":"0.70","quantity":2}]`), "1.40", false, true, nil, at))

	txs, err := store.TransactionsByUser(context.Background(), "u1")
	require.NoError(t, err)

	require.Len(t, txs, 1)
	assert.Equal(t, "1.40", txs[0].Total.StringFixed(2))
	assert.Empty(t, txs[0].Nonce)
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, "Twix", txs[0].Items[0].Name)
	assert.Equal(t, 2, txs[0].Items[0].Quantity)
}

func TestCommitPurchase_Success(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM users WHERE id = $1 FOR UPDATE")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("1.00"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE nonce = $1")).
		WithArgs("n-1").
		WillReturnRows(sqlmock.NewRows(transactionCols))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET balance = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WithArgs(sqlmock.AnyArg(), "u1", sqlmock.AnyArg(), sqlmock.AnyArg(), false, false, "n-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.CommitPurchase(context.Background(), purchase())
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, "0.80", res.NewBalance.StringFixed(2))
	assert.NotEmpty(t, res.Transaction.ID)
	assert.Equal(t, "n-1", res.Transaction.Nonce)
}

func TestCommitPurchase_InsufficientFunds(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.10"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE nonce = $1")).
		WithArgs("n-1").
		WillReturnRows(sqlmock.NewRows(transactionCols))
	mock.ExpectRollback()

	_, err := store.CommitPurchase(context.Background(), purchase())

	var fundsErr *models.InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.Equal(t, "0.10", fundsErr.Available.StringFixed(2))
}

func TestCommitPurchase_Replay(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.80"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE nonce = $1")).
		WithArgs("n-1").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("t1", "u1", []byte(`[{"name":"Water","price":"0.20","quantity":1}]`), "0.20", false, false, "n-1", at))
	mock.ExpectRollback()

	res, err := store.CommitPurchase(context.Background(), purchase())
	require.NoError(t, err)

	assert.True(t, res.Replayed)
	assert.Equal(t, "t1", res.Transaction.ID)
	assert.Equal(t, "0.80", res.NewBalance.StringFixed(2))
}

func TestCommitPurchase_NonceReusedForDifferentPurchase(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("5.00"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE nonce = $1")).
		WithArgs("n-1").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("t1", "u1", []byte(`[{"name":"Coffee","price":"0.30","quantity":1}]`), "0.30", false, false, "n-1", at))
	mock.ExpectRollback()

	_, err := store.CommitPurchase(context.Background(), purchase())

	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestTransactionByNonce_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE nonce = $1")).
		WithArgs("n-9").
		WillReturnRows(sqlmock.NewRows(transactionCols))

	_, err := store.TransactionByNonce(context.Background(), "n-9")

	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestNew_MalformedURL(t *testing.T) {
	_, err := postgres.New("postgres://%zz")

	assert.True(t, errors.Is(err, models.ErrBackendUnavailable))
}

func TestCommitPurchase_UnknownUser(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	_, err := store.CommitPurchase(context.Background(), purchase())

	assert.True(t, errors.Is(err, models.ErrNotFound))
}
