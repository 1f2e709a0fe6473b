package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/schema"
)

func shopRegistry() *schema.Registry {
	return schema.NewRegistry().MustRegister(
		schema.RecordType("Customer", "customers").Scalar("name").Display("name").Build(),
		schema.RecordType("Order", "orders").
			Scalar("total", "placed").
			ToOne("customer", "Customer", "customer_id").
			ToMany("lines", "Line", "order_id").
			Build(),
		schema.RecordType("Line", "lines").
			Scalar("qty").
			ToOne("product", "Product", "product_id").
			Build(),
		schema.RecordType("Product", "products").
			Scalar("sku").
			ManyToMany("labels", "Label", "product_labels", "product_id", "label_id").
			Build(),
		schema.RecordType("Label", "labels").Scalar("text").Build(),
	)
}

func shop(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(shopRegistry())
	m.Insert("Customer", int64(1), map[string]interface{}{"name": "ann"})
	m.Insert("Customer", int64(2), map[string]interface{}{"name": "bob"})
	m.Insert("Product", int64(1), map[string]interface{}{"sku": "A"})
	m.Insert("Product", int64(2), map[string]interface{}{"sku": "B"})
	m.Insert("Label", int64(1), map[string]interface{}{"text": "new"})
	m.Link("product_labels", int64(1), int64(1))
	for i := int64(1); i <= 4; i++ {
		m.Insert("Order", i, map[string]interface{}{"total": float64(i * 10), "customer_id": (i-1)%2 + 1})
		m.Insert("Line", i*10, map[string]interface{}{"qty": 1, "order_id": i, "product_id": (i-1)%2 + 1})
	}
	return m
}

func TestQueryImmutable(t *testing.T) {
	m := shop(t)
	base := m.Query("Order")
	filtered := base.Filter("customer_id", 1).OrderBy("-total").Limit(1)

	assert.Empty(t, base.Spec().Filters)
	assert.Equal(t, []Filter{{Column: "customer_id", Value: 1}}, filtered.Spec().Filters)
	assert.Equal(t, []string{"-total"}, filtered.Spec().Order)
	assert.Equal(t, 1, filtered.Spec().Limit)
	assert.Equal(t, int64(0), m.Queries(), "building never executes")

	eager := filtered.SelectRelated("customer").SelectRelated("customer", "lines__product")
	assert.Equal(t, []string{"customer", "lines__product"}, eager.Spec().Select)
	assert.Empty(t, filtered.Spec().Select)
}

func TestFetchFiltersAndOrder(t *testing.T) {
	m := shop(t)
	got, err := m.Query("Order").Filter("customer_id", 1).OrderBy("-total").Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].(*schema.Record).ID)
	assert.Equal(t, int64(1), got[1].(*schema.Record).ID)

	got, err = m.Query("Order").OrderBy("id").Limit(3).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = m.Query("Nope").Fetch(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Query("Order").Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func readAll(t *testing.T, reg *schema.Registry, orders []schema.Entity) {
	t.Helper()
	customer, _ := reg.Resolve("Order", "customer")
	lines, _ := reg.Resolve("Order", "lines")
	product, _ := reg.Resolve("Line", "product")
	labels, _ := reg.Resolve("Product", "labels")
	for _, o := range orders {
		_, err := customer.One(o)
		require.NoError(t, err)
		ls, err := lines.Many(o)
		require.NoError(t, err)
		for _, l := range ls {
			p, err := product.One(l)
			require.NoError(t, err)
			_, err = labels.Many(p)
			require.NoError(t, err)
		}
	}
}

func TestLazyLoadsAreCounted(t *testing.T) {
	m := shop(t)
	orders, err := m.Query("Order").Fetch(context.Background())
	require.NoError(t, err)
	readAll(t, m.reg, orders)
	// 1 base + per order: customer, lines, product, labels.
	assert.Equal(t, int64(1+4*4), m.Queries())
}

func TestEagerLoads(t *testing.T) {
	m := shop(t)
	orders, err := m.Query("Order").
		SelectRelated("customer").
		PrefetchRelated("lines__product__labels").
		Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"fetch Order",
		"prefetch lines",
		"prefetch lines__product",
		"prefetch lines__product__labels",
	}, m.Log())

	readAll(t, m.reg, orders)
	assert.Equal(t, int64(4), m.Queries(), "everything read was loaded eagerly")

	o := orders[0].(*schema.Record)
	assert.True(t, o.IsLoaded("customer"))
	assert.True(t, o.IsLoaded("lines"))
}

func TestEagerLoadErrors(t *testing.T) {
	m := shop(t)
	_, err := m.Query("Order").SelectRelated("total").Fetch(context.Background())
	assert.Error(t, err)
	_, err = m.Query("Order").PrefetchRelated("nope").Fetch(context.Background())
	assert.Error(t, err)
}

func TestNullForeignKey(t *testing.T) {
	m := shop(t)
	m.Insert("Order", int64(99), map[string]interface{}{"total": 1.0, "customer_id": nil})
	orders, err := m.Query("Order").Filter("id", int64(99)).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)

	customer, _ := m.reg.Resolve("Order", "customer")
	m.ResetQueries()
	got, err := customer.One(orders[0])
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(0), m.Queries(), "a null key needs no fetch")
}

func TestCollapse(t *testing.T) {
	set := map[string]struct{}{"a": {}, "a__b": {}, "a__b__c": {}, "d": {}, "ab": {}}
	assert.Equal(t, []string{"a__b__c", "ab", "d"}, Collapse(set))
}

func TestChainPrefixes(t *testing.T) {
	assert.Equal(t,
		[]string{"a", "x", "a__b", "x__y", "a__b__c"},
		ChainPrefixes([]string{"x__y", "a__b__c", "a__b"}))
	assert.Empty(t, ChainPrefixes(nil))
	assert.Equal(t, []string{"a", "b"}, SplitChain("a__b"))
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, 0, compareValues(int64(1), 1))
	assert.Equal(t, 0, compareValues(1.0, int32(1)))
	assert.Equal(t, -1, compareValues("a", "b"))
	assert.True(t, sameValue(nil, nil))
	assert.False(t, sameValue(nil, "<nil>"))
}
