package codegen

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/planner"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/testutils"
)

func TestFieldIsolation(t *testing.T) {
	calls := testutils.NewCalls()
	reg := testutils.BlogRegistry(calls)

	s, err := Compile(reg, "Post", []string{"title", "author.name", "tags.all.label"}, "")
	require.NoError(t, err)
	require.True(t, s.Generated)

	out, err := s.Serialize(context.Background(), testutils.SamplePost())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"title":  "Hello",
		"author": map[string]interface{}{"name": "Ann"},
		"tags": []interface{}{
			map[string]interface{}{"label": "go"},
			map[string]interface{}{"label": "web"},
		},
	}, out)

	assert.Equal(t, []string{"Post.author", "Post.tags", "Post.title", "Tag.label", "User.name"}, calls.Keys())
	assert.Equal(t, 2, calls.Count("Tag.label"))
	assert.Zero(t, calls.Count("Post.secret"), "fields outside the path set are never read")
}

func TestFallbackMarker(t *testing.T) {
	reg := testutils.BlogRegistry(nil)
	for _, paths := range [][]string{nil, {}, {"", "  "}} {
		s, err := Compile(reg, "Post", paths, "")
		require.NoError(t, err)
		assert.False(t, s.Generated)
		assert.Empty(t, s.Source)
		assert.Nil(t, s.Tree())
		assert.Equal(t, "(fallback)\n", s.Describe())
	}

	s, _ := Compile(reg, "Post", nil, "")
	out, err := s.Serialize(context.Background(), testutils.SamplePost())
	require.NoError(t, err)
	assert.Equal(t, "Hello", out["title"], "fallback serializes every declared field")
}

func TestTypeMismatch(t *testing.T) {
	reg := testutils.BlogRegistry(nil)
	s, err := Compile(reg, "Post", []string{"title"}, "")
	require.NoError(t, err)

	_, err = s.Serialize(context.Background(), &testutils.User{ID: 1})
	require.Error(t, err)
	assert.True(t, errors.IsTypeMismatch(err))

	_, err = s.SerializeList(context.Background(), []schema.Entity{testutils.SamplePost(), &testutils.Tag{}})
	assert.True(t, errors.IsTypeMismatch(err))

	out, err := s.Serialize(context.Background(), (*testutils.Post)(nil))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestUnknownType(t *testing.T) {
	_, err := Compile(testutils.BlogRegistry(nil), "Comment", []string{"body"}, "")
	require.Error(t, err)
	assert.True(t, errors.IsAdvisory(err))
}

func TestUnknownSegmentsDropped(t *testing.T) {
	calls := testutils.NewCalls()
	s, err := Compile(testutils.BlogRegistry(calls), "Post",
		[]string{"title", "nope", "author.nope", "title.upper", "tags.all.nope"}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"author.nope (nope)",
		"nope (nope)",
		"tags.all.nope (nope)",
		"title.upper (upper)",
	}, s.Dropped)

	out, err := s.Serialize(context.Background(), testutils.SamplePost())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "Hello"}, out)
	assert.Equal(t, []string{"Post.title"}, calls.Keys())
}

func TestRelations(t *testing.T) {
	reg := testutils.BlogRegistry(nil)
	post := testutils.SamplePost()
	post.Author = nil

	tests := []struct {
		name  string
		paths []string
		want  map[string]interface{}
	}{
		{
			name:  "nil to-one",
			paths: []string{"author.name"},
			want:  map[string]interface{}{"author": nil},
		},
		{
			name:  "leaf to-one is truncated",
			paths: []string{"related"},
			want:  map[string]interface{}{"related": nil},
		},
		{
			name:  "count keeps elements as markers",
			paths: []string{"tags.count"},
			want: map[string]interface{}{"tags": []interface{}{
				map[string]interface{}{"id": int64(1), "__str__": "go"},
				map[string]interface{}{"id": int64(2), "__str__": "web"},
			}},
		},
		{
			name:  "pseudo segments merge",
			paths: []string{"tags.first.label", "tags.0.id", "tags.label"},
			want: map[string]interface{}{"tags": []interface{}{
				map[string]interface{}{"id": int64(1), "label": "go"},
				map[string]interface{}{"id": int64(2), "label": "web"},
			}},
		},
		{
			name:  "method and typed scalars",
			paths: []string{"headline", "day", "price", "uuid"},
			want: map[string]interface{}{
				"headline": "Hello!",
				"day":      "2024-01-02",
				"price":    19.99,
				"uuid":     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Compile(reg, "Post", tt.paths, "")
			require.NoError(t, err)
			out, err := s.Serialize(context.Background(), post)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestLeafRelationDisplay(t *testing.T) {
	s, err := Compile(testutils.BlogRegistry(nil), "Post", []string{"author", "title"}, "")
	require.NoError(t, err)
	out, err := s.Serialize(context.Background(), testutils.SamplePost())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"author": "Ann", "title": "Hello"}, out)
	assert.Contains(t, s.Source, "fields.Display(")

	mem, reg := testutils.LeaseMemory(1)
	leases, err := planner.New(reg).AutoOptimize(mem.Query("Lease"), "property").Fetch(context.Background())
	require.NoError(t, err)
	s, err = Compile(reg, "Lease", []string{"property"}, "")
	require.NoError(t, err)
	list, err := s.SerializeList(context.Background(), leases)
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"property": "Property 1"}}, list)
}

func TestAccessorFailure(t *testing.T) {
	tag := schema.Define[*testutils.Tag]("Tag").
		Scalar("label", func(t *testutils.Tag) interface{} { return t.Label }).
		ToOne("parent", "Tag", func(*testutils.Tag) (schema.Entity, error) {
			return nil, fmt.Errorf("connection reset")
		}).
		Build()
	s, err := Compile(schema.NewRegistry().MustRegister(tag), "Tag", []string{"label", "parent.label"}, "")
	require.NoError(t, err)

	_, err = s.Serialize(context.Background(), &testutils.Tag{ID: 1, Label: "go"})
	require.Error(t, err)
	assert.True(t, errors.IsAdvisory(err))
	assert.True(t, errors.IsRecoverable(err))
	assert.Equal(t, "[ERR_COMPILE_FAILED] component:codegen read Tag.parent: connection reset", err.Error())
}

func TestSource(t *testing.T) {
	reg := testutils.LeaseRegistry()
	paths := []string{"tenant.user.email", "property.tags.all.label", "rent", "payments.count"}

	a, err := Compile(reg, "Lease", paths, "serialize_lease_dashboard")
	require.NoError(t, err)
	b, err := Compile(reg, "Lease", []string{"rent", "payments.count", "property.tags.all.label", "tenant.user.email", "rent"}, "serialize_lease_dashboard")
	require.NoError(t, err)

	assert.Equal(t, a.Source, b.Source, "source is deterministic")
	assert.Equal(t, a.Paths, b.Paths)
	assert.Equal(t, "serialize_lease_dashboard", a.FnName)

	for _, want := range []string{
		"// Code generated by liveweave for Lease. DO NOT EDIT.",
		"func serialize_lease_dashboard(obj schema.Entity, fields Fields) (map[string]any, error) {",
		`fields.One(obj, "Lease", "tenant")`,
		`fields.Many(obj, "Lease", "payments")`,
		`fields.Get(`,
		"// payments.count",
		"// tags.all",
		"return out, nil",
	} {
		assert.Contains(t, a.Source, want)
	}

	d := a.Describe()
	assert.True(t, strings.HasPrefix(d, "payments [to_many] -> Payment\n  count [collection]\n"), d)
	assert.Contains(t, d, "tenant [to_one] -> Tenant\n  user [to_one] -> User\n    email [scalar]\n")
}

func TestFnName(t *testing.T) {
	n := FnName("Lease", []string{"rent"})
	assert.True(t, strings.HasPrefix(n, "serializeLease_"))
	assert.Len(t, n, len("serializeLease_")+8)
	assert.Equal(t, n, FnName("Lease", []string{"rent"}))
	assert.NotEqual(t, n, FnName("Lease", []string{"status"}))
	assert.Equal(t, "_9lives_x", identifier("9lives-x"))
}

func TestWithStore(t *testing.T) {
	mem, reg := testutils.LeaseMemory(3)
	paths := []string{"tenant.user.email", "payments.all.amount", "rent"}

	q := planner.New(reg).AutoOptimize(mem.Query("Lease").OrderBy("id"), paths...)
	leases, err := q.Fetch(context.Background())
	require.NoError(t, err)

	s, err := Compile(reg, "Lease", paths, "")
	require.NoError(t, err)
	out, err := s.SerializeList(context.Background(), leases)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, map[string]interface{}{
		"rent":   float64(1050),
		"tenant": map[string]interface{}{"user": map[string]interface{}{"email": "tenant1@example.com"}},
		"payments": []interface{}{
			map[string]interface{}{"amount": float64(1050)},
			map[string]interface{}{"amount": float64(500)},
		},
	}, out[0])
	assert.Equal(t, int64(2), mem.Queries(), "serializing planned data needs no extra fetch")
}
