package catalogue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/identity"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage"
	"github.com/shopspring/decimal"
)

// DefaultProducts is the machine layout, slots A1 to A9.
func DefaultProducts(stock int) []models.Product {
	slot := func(id, name, price string) models.Product {
		return models.Product{ID: id, Name: name, Price: decimal.RequireFromString(price), Stock: stock}
	}
	return []models.Product{
		slot("A1", "Twix", "0.70"),
		slot("A2", "M&Ms", "0.70"),
		slot("A3", "Maltesers", "0.70"),
		slot("A4", "Napolitanas", "0.30"),
		slot("A5", "Monster Energy", "1.50"),
		slot("A6", "Coffee", "0.30"),
		slot("A7", "Water", "0.20"),
		slot("A8", "Coca Cola", "0.80"),
		slot("A9", "Coke Zero", "0.80"),
	}
}

type Service struct {
	log   *slog.Logger
	store storage.ProductStore
}

func New(log *slog.Logger, store storage.ProductStore) *Service {
	return &Service{log: log, store: store}
}

func (s *Service) ListAll(ctx context.Context) ([]models.Product, error) {
	return s.store.Products(ctx)
}

func (s *Service) FindByID(ctx context.Context, id string) (*models.Product, error) {
	return s.store.ProductByID(ctx, id)
}

func (s *Service) SetStock(ctx context.Context, id string, stock int) error {
	if stock < 0 {
		return models.NewValidationError("stock", "must not be negative")
	}

	return s.store.SetStock(ctx, id, stock)
}

// Restock is SetStock on behalf of an administrator.
func (s *Service) Restock(ctx context.Context, sess *identity.Session, id string, stock int) error {
	if err := identity.RequireAdministrator(sess); err != nil {
		return err
	}
	if err := s.SetStock(ctx, id, stock); err != nil {
		return err
	}

	s.log.Info("Product restocked", slog.String("product_id", id), slog.Int("stock", stock), slog.String("by", sess.UserID))

	return nil
}

// Seed creates every product that is not in the store yet. Existing
// products keep their stock.
func (s *Service) Seed(ctx context.Context, products []models.Product) error {
	for _, p := range products {
		if !p.Price.IsPositive() {
			return models.NewValidationError("price", p.ID+" must be greater than zero")
		}
		if p.Stock < 0 {
			return models.NewValidationError("stock", p.ID+" must not be negative")
		}

		_, err := s.store.ProductByID(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if err := s.store.CreateProduct(ctx, &p); err != nil {
			return err
		}
		s.log.Debug("Seeded product", slog.String("product_id", p.ID), slog.String("name", p.Name))
	}

	return nil
}
