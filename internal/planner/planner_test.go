package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/testutils"
)

func TestPlan(t *testing.T) {
	p := New(testutils.LeaseRegistry())

	tests := []struct {
		name     string
		typ      string
		paths    []string
		selects  []string
		prefetch []string
	}{
		{
			name:  "empty",
			typ:   "Lease",
			paths: nil,
		},
		{
			name:  "scalars only",
			typ:   "Lease",
			paths: []string{"rent", "status"},
		},
		{
			name:    "shared prefix collapses",
			typ:     "Lease",
			paths:   []string{"tenant.user.email", "tenant.phone", "property.name"},
			selects: []string{"property", "tenant__user"},
		},
		{
			name:     "to-many prefetches",
			typ:      "Lease",
			paths:    []string{"payments.all.amount", "payments.count"},
			prefetch: []string{"payments"},
		},
		{
			name:     "many-to-many after to-one",
			typ:      "Lease",
			paths:    []string{"property.tags.all.label", "property.name"},
			prefetch: []string{"property__tags"},
		},
		{
			name:     "reverse chain",
			typ:      "Tenant",
			paths:    []string{"leases.property.name", "user.email"},
			selects:  []string{"user"},
			prefetch: []string{"leases__property"},
		},
		{
			name:  "unknown segments stop the chain",
			typ:   "Lease",
			paths: []string{"landlord.name", "rent.amount"},
		},
		{
			name:    "depth limit truncates",
			typ:     "Payment",
			paths:   []string{"lease.tenant.user.email"},
			selects: []string{"lease__tenant__user"},
		},
		{
			name:  "unknown type",
			typ:   "Nope",
			paths: []string{"a.b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := p.Plan(tt.typ, tt.paths)
			assert.Equal(t, tt.typ, plan.Type)
			assert.ElementsMatch(t, tt.selects, plan.SelectRelated)
			assert.ElementsMatch(t, tt.prefetch, plan.PrefetchRelated)
			assert.Equal(t, len(tt.selects)+len(tt.prefetch) == 0, plan.Empty())
		})
	}
}

func TestPlanMaxDepth(t *testing.T) {
	reg := testutils.LeaseRegistry()

	plan := New(reg, WithMaxDepth(1)).Plan("Payment", []string{"lease.tenant.user.email"})
	assert.Equal(t, []string{"lease"}, plan.SelectRelated)

	plan = New(reg, WithMaxDepth(2)).Plan("Payment", []string{"lease.tenant.user.email"})
	assert.Equal(t, []string{"lease__tenant"}, plan.SelectRelated)

	plan = New(reg).Plan("Payment", []string{"lease.tenant.user.email"})
	assert.Equal(t, []string{"lease__tenant__user"}, plan.SelectRelated)

	// collection segments are not relation hops
	plan = New(reg, WithMaxDepth(2)).Plan("Lease", []string{"payments.all.lease.tenant"})
	assert.Equal(t, []string{"payments__lease"}, plan.PrefetchRelated)
	plan = New(reg, WithMaxDepth(1)).Plan("Lease", []string{"payments.all.lease.tenant"})
	assert.Equal(t, []string{"payments"}, plan.PrefetchRelated)
}

func TestApply(t *testing.T) {
	mem, reg := testutils.LeaseMemory(3)
	p := New(reg)

	base := mem.Query("Lease").Filter("status", "active").OrderBy("-rent")
	assert.Same(t, base, Apply(base, QueryPlan{Type: "Lease"}), "empty plan is a no-op")

	plan := p.Plan("Lease", []string{"tenant.user.email", "payments.all.amount"})
	q := Apply(base, plan)

	spec := q.Spec()
	assert.Equal(t, []string{"tenant__user"}, spec.Select)
	assert.Equal(t, []string{"payments"}, spec.Prefetch)
	assert.Len(t, spec.Filters, 1, "filters kept")
	assert.Equal(t, []string{"-rent"}, spec.Order, "ordering kept")
	assert.Empty(t, base.Spec().Select, "input query untouched")
	assert.Equal(t, int64(0), mem.Queries(), "apply never executes")

	leases, err := q.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.Equal(t, float64(1150), mustValue(t, leases[0], "rent"))
	assert.Equal(t, int64(2), mem.Queries())
}

func mustValue(t *testing.T, e schema.Entity, column string) float64 {
	t.Helper()
	v, ok := e.(*schema.Record).Value(column)
	require.True(t, ok)
	return v.(float64)
}

func TestAutoOptimize(t *testing.T) {
	mem, reg := testutils.LeaseMemory(5)
	p := New(reg)

	q := p.AutoOptimize(mem.Query("Lease"), "property.name", "tenant.user.name")
	leases, err := q.Fetch(context.Background())
	require.NoError(t, err)

	tenant, _ := reg.Resolve("Lease", "tenant")
	user, _ := reg.Resolve("Tenant", "user")
	property, _ := reg.Resolve("Lease", "property")
	for _, l := range leases {
		tn, err := tenant.One(l)
		require.NoError(t, err)
		_, err = user.One(tn)
		require.NoError(t, err)
		_, err = property.One(l)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), mem.Queries(), "to-one chains ride along with the base fetch")
}
