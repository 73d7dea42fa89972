// Package cart holds the per-session selection of products before checkout.
package cart

import (
	"context"
	"errors"
	"sync"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/shopspring/decimal"
)

type ProductFinder interface {
	FindByID(ctx context.Context, id string) (*models.Product, error)
}

// Cart keeps items in the order they were first added. Prices are captured
// when an item is added and are not refreshed from the catalogue.
type Cart struct {
	mu     sync.Mutex
	finder ProductFinder
	items  []models.CartItem
}

func New(finder ProductFinder) *Cart {
	return &Cart{finder: finder}
}

func (c *Cart) indexOf(productID string) int {
	for i, it := range c.items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}

// Add puts one unit of productID in the cart. An unknown product is ignored;
// only lookup failures other than not-found are returned.
func (c *Cart) Add(ctx context.Context, productID string) error {
	product, err := c.finder.FindByID(ctx, productID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(productID); i >= 0 {
		c.items[i].Quantity++
		return nil
	}

	c.items = append(c.items, models.CartItem{
		ProductID: product.ID,
		Name:      product.Name,
		Price:     product.Price,
		Quantity:  1,
	})

	return nil
}

// SetQuantity removes the item when n <= 0.
func (c *Cart) SetQuantity(productID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(productID)
	if i < 0 {
		return
	}
	if n <= 0 {
		c.items = append(c.items[:i], c.items[i+1:]...)
		return
	}
	c.items[i].Quantity = n
}

func (c *Cart) Remove(productID string) {
	c.SetQuantity(productID, 0)
}

func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := decimal.Zero
	for _, it := range c.items {
		total = total.Add(it.Subtotal())
	}
	return total
}

func (c *Cart) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, it := range c.items {
		n += it.Quantity
	}
	return n
}

func (c *Cart) Items() []models.CartItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]models.CartItem(nil), c.items...)
}

func (c *Cart) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items) == 0
}

func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = nil
}

// Deduct takes the given lines out of the cart. Quantities added after the
// lines were read stay in the cart.
func (c *Cart) Deduct(lines []models.CartItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, line := range lines {
		i := c.indexOf(line.ProductID)
		if i < 0 {
			continue
		}
		c.items[i].Quantity -= line.Quantity
		if c.items[i].Quantity <= 0 {
			c.items = append(c.items[:i], c.items[i+1:]...)
		}
	}
}

// Registry hands out one cart per session id.
type Registry struct {
	finder ProductFinder
	carts  sync.Map
}

func NewRegistry(finder ProductFinder) *Registry {
	return &Registry{finder: finder}
}

func (r *Registry) For(sessionID string) *Cart {
	if c, ok := r.carts.Load(sessionID); ok {
		return c.(*Cart)
	}
	c, _ := r.carts.LoadOrStore(sessionID, New(r.finder))
	return c.(*Cart)
}

func (r *Registry) Drop(sessionID string) {
	r.carts.Delete(sessionID)
}
