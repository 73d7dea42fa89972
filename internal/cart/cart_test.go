package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalogue struct {
	products map[string]*models.Product
	err      error
}

func (f *fakeCatalogue) FindByID(_ context.Context, id string) (*models.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func newCatalogue() *fakeCatalogue {
	return &fakeCatalogue{products: map[string]*models.Product{
		"A1": {ID: "A1", Name: "Twix", Price: decimal.RequireFromString("0.70"), Stock: 5},
		"A6": {ID: "A6", Name: "Coffee", Price: decimal.RequireFromString("0.30"), Stock: 5},
		"A7": {ID: "A7", Name: "Water", Price: decimal.RequireFromString("0.20"), Stock: 5},
	}}
}

func TestAdd_SameProductTwiceAggregates(t *testing.T) {
	c := New(newCatalogue())
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "A1"))
	require.NoError(t, c.Add(ctx, "A1"))

	items := c.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "A1", items[0].ProductID)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, 2, c.ItemCount())
	assert.True(t, decimal.RequireFromString("1.40").Equal(c.Total()))
}

func TestAdd_UnknownProductIsNoop(t *testing.T) {
	c := New(newCatalogue())

	require.NoError(t, c.Add(context.Background(), "Z9"))

	assert.True(t, c.IsEmpty())
	assert.Equal(t, 0, c.ItemCount())
}

func TestAdd_LookupFailureIsReturned(t *testing.T) {
	cat := newCatalogue()
	cat.err = models.ErrBackendUnavailable
	c := New(cat)

	err := c.Add(context.Background(), "A1")

	assert.True(t, errors.Is(err, models.ErrBackendUnavailable))
	assert.True(t, c.IsEmpty())
}

func TestAdd_KeepsInsertionOrder(t *testing.T) {
	c := New(newCatalogue())
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "A7"))
	require.NoError(t, c.Add(ctx, "A1"))
	require.NoError(t, c.Add(ctx, "A7"))

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "A7", items[0].ProductID)
	assert.Equal(t, "A1", items[1].ProductID)
}

func TestTotal_UsesPriceCapturedAtAdd(t *testing.T) {
	cat := newCatalogue()
	c := New(cat)

	require.NoError(t, c.Add(context.Background(), "A6"))
	cat.products["A6"].Price = decimal.RequireFromString("9.99")

	assert.True(t, decimal.RequireFromString("0.30").Equal(c.Total()))
}

func TestSetQuantity(t *testing.T) {
	c := New(newCatalogue())
	ctx := context.Background()
	require.NoError(t, c.Add(ctx, "A1"))
	require.NoError(t, c.Add(ctx, "A7"))

	c.SetQuantity("A1", 3)
	assert.Equal(t, 4, c.ItemCount())
	assert.True(t, decimal.RequireFromString("2.30").Equal(c.Total()))

	c.SetQuantity("missing", 5)
	assert.Equal(t, 4, c.ItemCount())
}

func TestSetQuantityZeroEqualsRemove(t *testing.T) {
	ctx := context.Background()

	a := New(newCatalogue())
	require.NoError(t, a.Add(ctx, "A1"))
	require.NoError(t, a.Add(ctx, "A7"))
	a.SetQuantity("A1", 0)

	b := New(newCatalogue())
	require.NoError(t, b.Add(ctx, "A1"))
	require.NoError(t, b.Add(ctx, "A7"))
	b.Remove("A1")

	assert.Equal(t, b.Items(), a.Items())
	assert.Equal(t, []models.CartItem{{ProductID: "A7", Name: "Water", Price: decimal.RequireFromString("0.20"), Quantity: 1}}, a.Items())

	a.SetQuantity("A7", -2)
	assert.True(t, a.IsEmpty())
}

func TestItems_ReturnsSnapshot(t *testing.T) {
	c := New(newCatalogue())
	require.NoError(t, c.Add(context.Background(), "A1"))

	items := c.Items()
	items[0].Quantity = 42

	assert.Equal(t, 1, c.ItemCount())
}

func TestClear(t *testing.T) {
	c := New(newCatalogue())
	require.NoError(t, c.Add(context.Background(), "A1"))

	c.Clear()

	assert.True(t, c.IsEmpty())
	assert.True(t, decimal.Zero.Equal(c.Total()))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newCatalogue())

	first := r.For("s1")
	require.NoError(t, first.Add(context.Background(), "A1"))

	assert.Same(t, first, r.For("s1"))
	assert.NotSame(t, first, r.For("s2"))
	assert.True(t, r.For("s2").IsEmpty())

	r.Drop("s1")
	assert.True(t, r.For("s1").IsEmpty())
}

func TestDeduct_LeavesLaterAdditions(t *testing.T) {
	c := New(newCatalogue())
	ctx := context.Background()
	require.NoError(t, c.Add(ctx, "A1"))
	require.NoError(t, c.Add(ctx, "A7"))
	committed := c.Items()

	require.NoError(t, c.Add(ctx, "A1"))
	require.NoError(t, c.Add(ctx, "A6"))

	c.Deduct(committed)

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "A1", items[0].ProductID)
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, "A6", items[1].ProductID)
}

func TestDeduct_AllLines(t *testing.T) {
	c := New(newCatalogue())
	require.NoError(t, c.Add(context.Background(), "A1"))

	c.Deduct(c.Items())

	assert.True(t, c.IsEmpty())
}
