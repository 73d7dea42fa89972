// Package identity owns user records, credentials and sign-in sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// Session is the explicit "current user" handle. It is created at sign-in
// and destroyed at sign-out.
type Session struct {
	ID        string
	UserID    string
	Role      models.Role
	CreatedAt time.Time
	// ExpiresAt is zero for sessions that never expire.
	ExpiresAt time.Time
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) IsAdministrator() bool {
	return s != nil && s.Role == models.RoleAdministrator
}

// RequireAdministrator reports ErrAuthenticationRequired for a nil session
// and ErrForbidden for a member session.
func RequireAdministrator(sess *Session) error {
	if sess == nil {
		return models.ErrAuthenticationRequired
	}
	if !sess.IsAdministrator() {
		return models.ErrForbidden
	}
	return nil
}

type AdministratorSeed struct {
	Email    string
	Name     string
	Password string
	Balance  decimal.Decimal
}

type Service struct {
	log      *slog.Logger
	store    storage.UserStore
	sessions sync.Map
	ttl      time.Duration
	now      func() time.Time
}

func New(log *slog.Logger, store storage.UserStore) *Service {
	return &Service{
		log:   log,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetSessionTTL bounds the lifetime of sessions opened afterwards. Zero
// keeps sessions until sign-out.
func (s *Service) SetSessionTTL(ttl time.Duration) {
	s.ttl = ttl
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.store.UserByID(ctx, id)
}

// ListAll returns every user ordered by creation time, then email.
func (s *Service) ListAll(ctx context.Context) ([]models.User, error) {
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(users, func(a, b models.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Email, b.Email)
	})

	return users, nil
}

func (s *Service) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return models.NewValidationError("balance", "must not be negative")
	}

	return s.store.SetBalance(ctx, id, balance)
}

// TopUp credits amount to a user's balance on behalf of an administrator.
func (s *Service) TopUp(ctx context.Context, sess *Session, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := RequireAdministrator(sess); err != nil {
		return decimal.Zero, err
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, models.NewValidationError("amount", "must be greater than zero")
	}

	balance, err := s.store.CreditBalance(ctx, userID, amount)
	if err != nil {
		return decimal.Zero, err
	}

	s.log.Info("Balance topped up",
		slog.String("user_id", userID),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("by", sess.UserID),
	)

	return balance, nil
}

func (s *Service) Authenticate(ctx context.Context, email, credential string) (*Session, *models.User, error) {
	user, err := s.store.UserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, models.ErrAuthentication
	}
	if err != nil {
		return nil, nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(credential)); err != nil {
		s.log.Debug("Credential mismatch", slog.String("user_id", user.ID))
		return nil, nil, models.ErrAuthentication
	}

	return s.openSession(user), user, nil
}

func (s *Service) Register(ctx context.Context, email, credential, name string) (*Session, *models.User, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)

	switch {
	case email == "" || !strings.Contains(email, "@"):
		return nil, nil, models.NewValidationError("email", "must be a valid address")
	case name == "":
		return nil, nil, models.NewValidationError("name", "must not be empty")
	case credential == "":
		return nil, nil, models.NewValidationError("password", "must not be empty")
	}

	user, err := s.createUser(ctx, email, credential, name, models.RoleMember, false, decimal.Zero)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("Register new user", slog.String("user_id", user.ID), slog.String("email", user.Email))

	return s.openSession(user), user, nil
}

func (s *Service) createUser(ctx context.Context, email, credential, name string, role models.Role, necc bool, balance decimal.Decimal) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Balance:      balance,
		Role:         role,
		IsNeccMember: necc,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// EnsureAdministrator creates the seeded administrator when the store holds
// no users at all.
func (s *Service) EnsureAdministrator(ctx context.Context, seed AdministratorSeed) error {
	users, err := s.store.Users(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	if seed.Balance.IsNegative() {
		return models.NewValidationError("balance", "must not be negative")
	}

	user, err := s.createUser(ctx, normalizeEmail(seed.Email), seed.Password, seed.Name,
		models.RoleAdministrator, true, seed.Balance.Round(2))
	if err != nil {
		return err
	}

	s.log.Info("Seeded administrator", slog.String("user_id", user.ID), slog.String("email", user.Email))

	return nil
}

func (s *Service) openSession(user *models.User) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Role:      user.Role,
		CreatedAt: s.now(),
	}
	if s.ttl > 0 {
		sess.ExpiresAt = sess.CreatedAt.Add(s.ttl)
	}
	s.sessions.Store(sess.ID, sess)
	return sess
}

// Session resolves an active session. An expired session is dropped.
func (s *Service) Session(id string) (*Session, error) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, models.ErrAuthenticationRequired
	}
	sess := v.(*Session)
	if sess.expired(s.now()) {
		s.sessions.Delete(id)
		return nil, models.ErrAuthenticationRequired
	}
	return sess, nil
}

// PruneExpired drops every expired session and returns their ids.
func (s *Service) PruneExpired() []string {
	now := s.now()
	var ids []string
	s.sessions.Range(func(key, value any) bool {
		if value.(*Session).expired(now) {
			s.sessions.Delete(key)
			ids = append(ids, key.(string))
		}
		return true
	})
	return ids
}

// CurrentUser re-reads the session's user so the balance is current.
func (s *Service) CurrentUser(ctx context.Context, sess *Session) (*models.User, error) {
	if sess == nil {
		return nil, models.ErrAuthenticationRequired
	}
	if _, err := s.Session(sess.ID); err != nil {
		return nil, err
	}

	return s.store.UserByID(ctx, sess.UserID)
}

func (s *Service) ClearCurrentUser(sess *Session) {
	if sess == nil {
		return
	}
	s.sessions.Delete(sess.ID)
}
