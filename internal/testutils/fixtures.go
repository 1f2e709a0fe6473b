// Package testutils holds the fixtures shared by package tests: a temporary
// project layout, a property-management schema backed by records, and a
// small blog schema of Go structs with instrumented accessors.
package testutils

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/store"
)

// LeaseRegistry returns the record-backed property-management schema:
//
//	Lease -> Property, Tenant -> User; Lease <- Payment; Property <-> Tag
func LeaseRegistry() *schema.Registry {
	return schema.NewRegistry().MustRegister(
		schema.RecordType("User", "users").Scalar("email", "name").Display("name").Build(),
		schema.RecordType("Tenant", "tenants").
			Scalar("phone").
			ToOne("user", "User", "user_id").
			ToMany("leases", "Lease", "tenant_id").
			Build(),
		schema.RecordType("Property", "properties").
			Scalar("name", "address").
			Display("name").
			ManyToMany("tags", "Tag", "property_tags", "property_id", "tag_id").
			Build(),
		schema.RecordType("Tag", "tags").Scalar("label").Display("label").Build(),
		schema.RecordType("Lease", "leases").
			Scalar("rent", "status").
			ToOne("property", "Property", "property_id").
			ToOne("tenant", "Tenant", "tenant_id").
			ToMany("payments", "Payment", "lease_id").
			Build(),
		schema.RecordType("Payment", "payments").Scalar("amount").ToOne("lease", "Lease", "lease_id").Build(),
	)
}

// LeaseRows describes the fixture rows as table -> rows, each row keyed by
// column. Join tables carry the two link columns.
func LeaseRows(leases int) map[string][]map[string]interface{} {
	rows := map[string][]map[string]interface{}{}
	add := func(table string, row map[string]interface{}) {
		rows[table] = append(rows[table], row)
	}
	for i := 1; i <= 3; i++ {
		add("tags", map[string]interface{}{"id": int64(i), "label": fmt.Sprintf("tag-%d", i)})
	}
	for i := 1; i <= leases; i++ {
		id := int64(i)
		add("users", map[string]interface{}{"id": id, "email": fmt.Sprintf("tenant%d@example.com", i), "name": fmt.Sprintf("Tenant %d", i)})
		add("tenants", map[string]interface{}{"id": id, "phone": fmt.Sprintf("555-%04d", i), "user_id": id})
		add("properties", map[string]interface{}{"id": id, "name": fmt.Sprintf("Property %d", i), "address": fmt.Sprintf("%d Main St", i)})
		add("property_tags", map[string]interface{}{"property_id": id, "tag_id": int64(i%3 + 1)})
		add("leases", map[string]interface{}{"id": id, "rent": float64(1000 + 50*i), "status": "active", "property_id": id, "tenant_id": id})
		add("payments", map[string]interface{}{"id": id*10 + 1, "amount": float64(1000 + 50*i), "lease_id": id})
		add("payments", map[string]interface{}{"id": id*10 + 2, "amount": float64(500), "lease_id": id})
	}
	return rows
}

// LeaseTables maps fixture tables to entity types. Join tables map to "".
var LeaseTables = map[string]string{
	"users":         "User",
	"tenants":       "Tenant",
	"properties":    "Property",
	"tags":          "Tag",
	"leases":        "Lease",
	"payments":      "Payment",
	"property_tags": "",
}

// TableNames returns the fixture table names in insertion order: referenced
// tables before the tables that reference them.
func TableNames() []string {
	return []string{"users", "tenants", "properties", "tags", "property_tags", "leases", "payments"}
}

// LeaseMemory returns an in-memory store loaded with LeaseRows(leases).
func LeaseMemory(leases int) (*store.Memory, *schema.Registry) {
	reg := LeaseRegistry()
	mem := store.NewMemory(reg)
	rows := LeaseRows(leases)
	for _, table := range TableNames() {
		typ := LeaseTables[table]
		for _, row := range rows[table] {
			if typ == "" {
				mem.Link(table, row["property_id"], row["tag_id"])
				continue
			}
			mem.Insert(typ, row["id"], row)
		}
	}
	return mem, reg
}

// Calls counts accessor invocations by "Type.field".
type Calls struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCalls returns an empty counter.
func NewCalls() *Calls {
	return &Calls{counts: make(map[string]int)}
}

func (c *Calls) hit(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
}

// Count returns the calls recorded for key.
func (c *Calls) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Keys returns the keys with at least one call, sorted.
func (c *Calls) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset clears all counts.
func (c *Calls) Reset() {
	c.mu.Lock()
	c.counts = make(map[string]int)
	c.mu.Unlock()
}

type User struct {
	ID    int64
	Name  string
	Email string
}

func (*User) EntityType() string { return "User" }

type Tag struct {
	ID    int64
	Label string
}

func (*Tag) EntityType() string { return "Tag" }

type Post struct {
	ID        int64
	UUID      uuid.UUID
	Title     string
	URL       string
	Secret    string
	Published time.Time
	Day       schema.Date
	Price     schema.Decimal
	Cover     schema.FileRef
	Author    *User
	Tags      []*Tag
	Related   *Post
}

func (*Post) EntityType() string { return "Post" }

func (p *Post) String() string { return p.Title }

// BlogRegistry returns the struct-backed blog schema. Every accessor call is
// recorded in calls, which may be nil.
func BlogRegistry(calls *Calls) *schema.Registry {
	user := schema.Define[*User]("User").
		Scalar("id", func(u *User) interface{} { calls.hit("User.id"); return u.ID }).
		Scalar("name", func(u *User) interface{} { calls.hit("User.name"); return u.Name }).
		Scalar("email", func(u *User) interface{} { calls.hit("User.email"); return u.Email }).
		Display(func(u *User) string { return u.Name }).
		Build()
	tag := schema.Define[*Tag]("Tag").
		Scalar("id", func(t *Tag) interface{} { calls.hit("Tag.id"); return t.ID }).
		Scalar("label", func(t *Tag) interface{} { calls.hit("Tag.label"); return t.Label }).
		Display(func(t *Tag) string { return t.Label }).
		Build()
	post := schema.Define[*Post]("Post").
		Table("posts").
		Scalar("id", func(p *Post) interface{} { calls.hit("Post.id"); return p.ID }).
		Scalar("uuid", func(p *Post) interface{} { calls.hit("Post.uuid"); return p.UUID }).
		Scalar("title", func(p *Post) interface{} { calls.hit("Post.title"); return p.Title }).
		Scalar("url", func(p *Post) interface{} { calls.hit("Post.url"); return p.URL }).
		Scalar("secret", func(p *Post) interface{} { calls.hit("Post.secret"); return p.Secret }).
		Scalar("published", func(p *Post) interface{} { calls.hit("Post.published"); return p.Published }).
		Scalar("day", func(p *Post) interface{} { calls.hit("Post.day"); return p.Day }).
		Scalar("price", func(p *Post) interface{} { calls.hit("Post.price"); return p.Price }).
		Scalar("cover", func(p *Post) interface{} { calls.hit("Post.cover"); return p.Cover }).
		Method("headline", func(p *Post) interface{} { calls.hit("Post.headline"); return p.Title + "!" }).
		ToOne("author", "User", func(p *Post) (schema.Entity, error) {
			calls.hit("Post.author")
			if p.Author == nil {
				return nil, nil
			}
			return p.Author, nil
		}).
		ToOne("related", "Post", func(p *Post) (schema.Entity, error) {
			calls.hit("Post.related")
			if p.Related == nil {
				return nil, nil
			}
			return p.Related, nil
		}).
		ToMany("tags", "Tag", func(p *Post) ([]schema.Entity, error) {
			calls.hit("Post.tags")
			out := make([]schema.Entity, len(p.Tags))
			for i, t := range p.Tags {
				out[i] = t
			}
			return out, nil
		}).Via("post_tags", "post_id", "tag_id").
		Build()
	return schema.NewRegistry().MustRegister(user, tag, post)
}

// SamplePost returns a fully populated post.
func SamplePost() *Post {
	return &Post{
		ID:        1,
		UUID:      uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Title:     "Hello",
		URL:       "/hello",
		Secret:    "s3cret",
		Published: time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC),
		Day:       schema.Date{Year: 2024, Month: time.January, Day: 2},
		Price:     schema.MustDecimal("19.99"),
		Cover:     schema.FileRef{Name: "covers/hello.png"},
		Author:    &User{ID: 9, Name: "Ann", Email: "ann@example.com"},
		Tags:      []*Tag{{ID: 1, Label: "go"}, {ID: 2, Label: "web"}},
	}
}
