package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/cart"
	"github.com/IlyasAtabaev731/vending-shop/internal/catalogue"
	"github.com/IlyasAtabaev731/vending-shop/internal/checkout"
	"github.com/IlyasAtabaev731/vending-shop/internal/config"
	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/identity"
	"github.com/IlyasAtabaev731/vending-shop/internal/ledger"
	"github.com/IlyasAtabaev731/vending-shop/internal/lib/jwt"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Services is the core the HTTP layer calls into.
type Services struct {
	Identity  *identity.Service
	Catalogue *catalogue.Service
	Ledger    *ledger.Ledger
	Carts     *cart.Registry
	Checkout  *checkout.Orchestrator
}

func NewServices(logger *slog.Logger, store storage.Store, sessionTTL time.Duration) *Services {
	ids := identity.New(logger.With(slog.String("component", "identity")), store)
	ids.SetSessionTTL(sessionTTL)
	cat := catalogue.New(logger.With(slog.String("component", "catalogue")), store)

	return &Services{
		Identity:  ids,
		Catalogue: cat,
		Ledger:    ledger.New(store),
		Carts:     cart.NewRegistry(cat),
		Checkout:  checkout.New(logger.With(slog.String("component", "checkout")), ids, store),
	}
}

type APIServer struct {
	config    *config.Config
	logger    *slog.Logger
	server    *http.Server
	svc       *Services
	jwtSecret []byte
	done      chan struct{}
}

const sessionSweepInterval = time.Minute

func New(config *config.Config, logger *slog.Logger, svc *Services) *APIServer {
	return &APIServer{
		config: config,
		logger: logger,
		server: &http.Server{
			Addr:              config.ApiHost + ":" + strconv.Itoa(config.ApiPort),
			ReadHeaderTimeout: 5 * time.Second,
		},
		svc:       svc,
		jwtSecret: []byte(config.JWTSecret),
		done:      make(chan struct{}),
	}
}

func (s *APIServer) Start() error {
	s.logger.Info("Starting server", slog.String("port", strconv.Itoa(s.config.ApiPort)))

	s.configureRouter()
	go s.sweepSessions(sessionSweepInterval)

	return s.server.ListenAndServe()
}

func (s *APIServer) MustStart() {
	err := s.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic("Failed to start server: " + err.Error())
	}
}

func (s *APIServer) Stop(ctx context.Context) error {
	defer s.logger.Info("Server successfully stopped")
	close(s.done)
	return s.server.Shutdown(ctx)
}

func (s *APIServer) sweepSessions(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pruneSessions()
		}
	}
}

// pruneSessions drops expired sessions together with their carts.
func (s *APIServer) pruneSessions() int {
	ids := s.svc.Identity.PruneExpired()
	for _, id := range ids {
		s.svc.Carts.Drop(id)
	}
	if len(ids) > 0 {
		s.logger.Debug("Pruned expired sessions", slog.Int("count", len(ids)))
	}
	return len(ids)
}

func (s *APIServer) configureRouter() {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/api/auth/register", s.registerHandler()).Methods("POST")
	router.HandleFunc("/api/auth/login", s.loginHandler()).Methods("POST")
	router.HandleFunc("/api/auth/logout", s.authenticate(s.logoutHandler())).Methods("POST")
	router.HandleFunc("/api/me", s.authenticate(s.meHandler())).Methods("GET")

	router.HandleFunc("/api/products", s.productsHandler()).Methods("GET")

	router.HandleFunc("/api/cart", s.authenticate(s.cartHandler())).Methods("GET")
	router.HandleFunc("/api/cart/items/{id}", s.authenticate(s.addToCartHandler())).Methods("POST")
	router.HandleFunc("/api/cart/items/{id}", s.authenticate(s.setQuantityHandler())).Methods("PUT")
	router.HandleFunc("/api/cart/items/{id}", s.authenticate(s.removeFromCartHandler())).Methods("DELETE")
	router.HandleFunc("/api/checkout", s.authenticate(s.checkoutHandler())).Methods("POST")
	router.HandleFunc("/api/transactions", s.authenticate(s.transactionsHandler())).Methods("GET")

	router.HandleFunc("/api/admin/users", s.authenticate(s.usersHandler())).Methods("GET")
	router.HandleFunc("/api/admin/users/{id}/balance", s.authenticate(s.topUpHandler())).Methods("POST")
	router.HandleFunc("/api/admin/products/{id}/stock", s.authenticate(s.restockHandler())).Methods("PUT")
	router.HandleFunc("/api/admin/stats", s.authenticate(s.statsHandler())).Methods("GET")

	s.server.Handler = router
}

func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)

		next.ServeHTTP(w, r)

		s.logger.Debug("Request served",
			slog.String("rid", rid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("dur", time.Since(start)),
		)
	})
}

type ctxKey string

const sessionKey ctxKey = "session"

func sessionFrom(r *http.Request) *identity.Session {
	sess, _ := r.Context().Value(sessionKey).(*identity.Session)
	return sess
}

func (s *APIServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenHeader := r.Header.Get("Authorization")
		if tokenHeader == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(tokenHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "malformed token", http.StatusUnauthorized)
			return
		}

		claims, err := jwt.ParseToken(parts[1], string(s.jwtSecret))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		sid, err := jwt.SessionID(claims)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		sess, err := s.svc.Identity.Session(sid)
		if err != nil {
			s.svc.Carts.Drop(sid)
			http.Error(w, "session has ended", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), sessionKey, sess))
		next(w, r)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAuthentication), errors.Is(err, models.ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
		http.Error(w, msg, status)
		return
	}

	var vErr *models.ValidationError
	var fundsErr *models.InsufficientFundsError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), status)
	case errors.As(err, &fundsErr):
		http.Error(w, fundsErr.Error(), status)
	default:
		http.Error(w, msg+": "+sentinelFor(err).Error(), status)
	}
}

func sentinelFor(err error) error {
	for _, target := range []error{
		models.ErrAuthentication,
		models.ErrAuthenticationRequired,
		models.ErrForbidden,
		models.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return target
		}
	}
	return err
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
