package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/cart"
	"github.com/IlyasAtabaev731/vending-shop/internal/checkout"
	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/identity"
	"github.com/IlyasAtabaev731/vending-shop/internal/lib/jwt"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type UserResponse struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Balance      string    `json:"balance"`
	Role         string    `json:"role"`
	IsNeccMember bool      `json:"is_necc_member"`
	CreatedAt    time.Time `json:"created_at"`
}

func toUserResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Balance:      money(u.Balance),
		Role:         string(u.Role),
		IsNeccMember: u.IsNeccMember,
		CreatedAt:    u.CreatedAt,
	}
}

func (s *APIServer) issueToken(w http.ResponseWriter, status int, sess *identity.Session, user *models.User) {
	token, err := jwt.NewToken(sess, string(s.jwtSecret), s.config.TokenTTL)
	if err != nil {
		s.svc.Identity.ClearCurrentUser(sess)
		s.logger.Error("Failed to sign token", "error", err)
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, status, AuthResponse{Token: token, User: toUserResponse(user)})
}

func (s *APIServer) registerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		sess, user, err := s.svc.Identity.Register(r.Context(), req.Email, req.Password, req.Name)
		if err != nil {
			s.fail(w, "registration failed", err)
			return
		}

		s.issueToken(w, http.StatusCreated, sess, user)
	}
}

func (s *APIServer) loginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		sess, user, err := s.svc.Identity.Authenticate(r.Context(), req.Email, req.Password)
		if err != nil {
			s.fail(w, "authentication failed", err)
			return
		}

		s.issueToken(w, http.StatusOK, sess, user)
	}
}

func (s *APIServer) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		s.svc.Carts.Drop(sess.ID)
		s.svc.Identity.ClearCurrentUser(sess)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *APIServer) meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.svc.Identity.CurrentUser(r.Context(), sessionFrom(r))
		if err != nil {
			s.fail(w, "failed to load user", err)
			return
		}

		s.writeJSON(w, http.StatusOK, toUserResponse(user))
	}
}

type ProductResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Stock int    `json:"stock"`
}

func (s *APIServer) productsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		products, err := s.svc.Catalogue.ListAll(r.Context())
		if err != nil {
			s.fail(w, "failed to list products", err)
			return
		}

		out := make([]ProductResponse, 0, len(products))
		for _, p := range products {
			out = append(out, ProductResponse{ID: p.ID, Name: p.Name, Price: money(p.Price), Stock: p.Stock})
		}

		s.writeJSON(w, http.StatusOK, out)
	}
}

type CartItemResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
	Subtotal  string `json:"subtotal"`
}

type CartResponse struct {
	Items     []CartItemResponse `json:"items"`
	Total     string             `json:"total"`
	ItemCount int                `json:"item_count"`
}

func toCartResponse(c *cart.Cart) CartResponse {
	items := c.Items()
	res := CartResponse{Items: make([]CartItemResponse, 0, len(items))}
	total := decimal.Zero
	for _, it := range items {
		res.Items = append(res.Items, CartItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     money(it.Price),
			Quantity:  it.Quantity,
			Subtotal:  money(it.Subtotal()),
		})
		total = total.Add(it.Subtotal())
		res.ItemCount += it.Quantity
	}
	res.Total = money(total)
	return res
}

func (s *APIServer) cartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, toCartResponse(s.svc.Carts.For(sessionFrom(r).ID)))
	}
}

func (s *APIServer) addToCartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		if _, err := s.svc.Catalogue.FindByID(r.Context(), id); err != nil {
			s.fail(w, "failed to find product", err)
			return
		}

		c := s.svc.Carts.For(sessionFrom(r).ID)
		if err := c.Add(r.Context(), id); err != nil {
			s.fail(w, "failed to add product", err)
			return
		}

		s.writeJSON(w, http.StatusOK, toCartResponse(c))
	}
}

type QuantityRequest struct {
	Quantity *int `json:"quantity"`
}

func (s *APIServer) setQuantityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QuantityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
			http.Error(w, "quantity is required", http.StatusBadRequest)
			return
		}

		c := s.svc.Carts.For(sessionFrom(r).ID)
		c.SetQuantity(mux.Vars(r)["id"], *req.Quantity)

		s.writeJSON(w, http.StatusOK, toCartResponse(c))
	}
}

func (s *APIServer) removeFromCartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.svc.Carts.For(sessionFrom(r).ID)
		c.Remove(mux.Vars(r)["id"])

		s.writeJSON(w, http.StatusOK, toCartResponse(c))
	}
}

type CheckoutRequest struct {
	IsForSomeoneElse bool `json:"is_for_someone_else"`
	IsNeccMember     bool `json:"is_necc_member"`
}

type CheckoutResponse struct {
	State         string `json:"state"`
	NewBalance    string `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
	Replayed      bool   `json:"replayed"`
}

func (s *APIServer) checkoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckoutRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "malformed request", http.StatusBadRequest)
				return
			}
		}

		sess := sessionFrom(r)
		res, err := s.svc.Checkout.AttemptCheckout(r.Context(), sess, s.svc.Carts.For(sess.ID), checkout.Options{
			IsForSomeoneElse: req.IsForSomeoneElse,
			IsNeccMember:     req.IsNeccMember,
			Nonce:            r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			s.fail(w, "checkout failed", err)
			return
		}

		s.writeJSON(w, http.StatusOK, CheckoutResponse{
			State:         string(res.State),
			NewBalance:    money(res.NewBalance),
			TransactionID: res.TransactionID,
			Replayed:      res.Replayed,
		})
	}
}

type TransactionItemResponse struct {
	Name     string `json:"name"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
}

type TransactionResponse struct {
	ID               string                    `json:"id"`
	UserID           string                    `json:"user_id"`
	Items            []TransactionItemResponse `json:"items"`
	Total            string                    `json:"total"`
	IsForSomeoneElse bool                      `json:"is_for_someone_else"`
	IsNeccMember     bool                      `json:"is_necc_member"`
	Timestamp        time.Time                 `json:"timestamp"`
}

func (s *APIServer) transactionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txs, err := s.svc.Ledger.Visible(r.Context(), sessionFrom(r))
		if err != nil {
			s.fail(w, "failed to list transactions", err)
			return
		}

		out := make([]TransactionResponse, 0, len(txs))
		for _, t := range txs {
			items := make([]TransactionItemResponse, 0, len(t.Items))
			for _, it := range t.Items {
				items = append(items, TransactionItemResponse{Name: it.Name, Price: money(it.Price), Quantity: it.Quantity})
			}
			out = append(out, TransactionResponse{
				ID:               t.ID,
				UserID:           t.UserID,
				Items:            items,
				Total:            money(t.Total),
				IsForSomeoneElse: t.IsForSomeoneElse,
				IsNeccMember:     t.IsNeccMember,
				Timestamp:        t.Timestamp,
			})
		}

		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *APIServer) usersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := identity.RequireAdministrator(sessionFrom(r)); err != nil {
			s.fail(w, "forbidden", err)
			return
		}

		users, err := s.svc.Identity.ListAll(r.Context())
		if err != nil {
			s.fail(w, "failed to list users", err)
			return
		}

		out := make([]UserResponse, 0, len(users))
		for i := range users {
			out = append(out, toUserResponse(&users[i]))
		}

		s.writeJSON(w, http.StatusOK, out)
	}
}

type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

func (s *APIServer) topUpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TopUpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		userID := mux.Vars(r)["id"]
		balance, err := s.svc.Identity.TopUp(r.Context(), sessionFrom(r), userID, req.Amount)
		if err != nil {
			s.fail(w, "failed to top up balance", err)
			return
		}

		s.writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: money(balance)})
	}
}

type StockRequest struct {
	Stock *int `json:"stock"`
}

func (s *APIServer) restockHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Stock == nil {
			http.Error(w, "stock is required", http.StatusBadRequest)
			return
		}

		id := mux.Vars(r)["id"]
		if err := s.svc.Catalogue.Restock(r.Context(), sessionFrom(r), id, *req.Stock); err != nil {
			s.fail(w, "failed to restock product", err)
			return
		}

		p, err := s.svc.Catalogue.FindByID(r.Context(), id)
		if err != nil {
			s.fail(w, "failed to load product", err)
			return
		}

		s.writeJSON(w, http.StatusOK, ProductResponse{ID: p.ID, Name: p.Name, Price: money(p.Price), Stock: p.Stock})
	}
}

type StatsResponse struct {
	Revenue          string `json:"revenue"`
	TransactionCount int    `json:"transaction_count"`
}

func (s *APIServer) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.svc.Ledger.Stats(r.Context(), sessionFrom(r))
		if err != nil {
			s.fail(w, "failed to compute stats", err)
			return
		}

		s.writeJSON(w, http.StatusOK, StatsResponse{Revenue: money(stats.Revenue), TransactionCount: stats.TransactionCount})
	}
}
