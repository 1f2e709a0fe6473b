package schema

import (
	"fmt"
	"sort"
	"sync"
)

// RelationLoader fetches a relation of a record that was not loaded with
// it. Stores install one on the records they return.
type RelationLoader interface {
	LoadOne(rec *Record, f *Field) (*Record, error)
	LoadMany(rec *Record, f *Field) ([]*Record, error)
}

// Record is a generic entity backed by column values, as returned by the
// stores. Relations are either attached by an eager load or fetched on first
// access through the record's RelationLoader.
type Record struct {
	Type string
	ID   interface{}

	mu     sync.Mutex
	values map[string]interface{}
	one    map[string]*Record
	many   map[string][]*Record
	loader RelationLoader
}

// NewRecord returns a record of type typ. values is keyed by column.
func NewRecord(typ string, id interface{}, values map[string]interface{}) *Record {
	if values == nil {
		values = make(map[string]interface{})
	}
	return &Record{
		Type:   typ,
		ID:     id,
		values: values,
		one:    make(map[string]*Record),
		many:   make(map[string][]*Record),
	}
}

// EntityType implements Entity.
func (r *Record) EntityType() string { return r.Type }

func (r *Record) String() string {
	if v, ok := r.Value("__str__"); ok {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%s object (%v)", r.Type, r.ID)
}

// Value returns the value of column.
func (r *Record) Value(column string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[column]
	return v, ok
}

// Columns returns the column names, sorted.
func (r *Record) Columns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cols := make([]string, 0, len(r.values))
	for c := range r.values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// SetLoader installs the loader used for relations not yet attached.
func (r *Record) SetLoader(l RelationLoader) {
	r.mu.Lock()
	r.loader = l
	r.mu.Unlock()
}

// SetOne attaches a loaded to-one relation. A nil target records a loaded
// null.
func (r *Record) SetOne(field string, target *Record) {
	r.mu.Lock()
	r.one[field] = target
	r.mu.Unlock()
}

// SetMany attaches a loaded to-many relation.
func (r *Record) SetMany(field string, targets []*Record) {
	if targets == nil {
		targets = []*Record{}
	}
	r.mu.Lock()
	r.many[field] = targets
	r.mu.Unlock()
}

// IsLoaded reports whether the named relation is attached.
func (r *Record) IsLoaded(field string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.one[field]; ok {
		return true
	}
	_, ok := r.many[field]
	return ok
}

// One returns the to-one relation f, fetching it if needed.
func (r *Record) One(f *Field) (*Record, error) {
	r.mu.Lock()
	target, ok := r.one[f.Name]
	loader := r.loader
	r.mu.Unlock()
	if ok {
		return target, nil
	}
	if loader == nil {
		return nil, nil
	}
	target, err := loader.LoadOne(r, f)
	if err != nil {
		return nil, err
	}
	r.SetOne(f.Name, target)
	return target, nil
}

// Many returns the to-many relation f, fetching it if needed.
func (r *Record) Many(f *Field) ([]*Record, error) {
	r.mu.Lock()
	targets, ok := r.many[f.Name]
	loader := r.loader
	r.mu.Unlock()
	if ok {
		return targets, nil
	}
	if loader == nil {
		return []*Record{}, nil
	}
	targets, err := loader.LoadMany(r, f)
	if err != nil {
		return nil, err
	}
	r.SetMany(f.Name, targets)
	return targets, nil
}

// RecordBuilder declares the accessor table of a Record-backed type.
type RecordBuilder struct {
	b *Builder[*Record]
}

// RecordType starts a Record-backed type stored in table.
func RecordType(name, table string) *RecordBuilder {
	b := Define[*Record](name).Table(table)
	b.t.Display = func(e Entity) string {
		if s, ok := e.(fmt.Stringer); ok {
			return s.String()
		}
		return ""
	}
	rb := &RecordBuilder{b: b}
	return rb.Scalar("id")
}

// Scalar declares columns read as plain fields.
func (rb *RecordBuilder) Scalar(names ...string) *RecordBuilder {
	for _, name := range names {
		column := name
		rb.b.Scalar(name, func(r *Record) interface{} {
			if column == "id" {
				return r.ID
			}
			v, _ := r.Value(column)
			return v
		})
	}
	return rb
}

// Method declares a computed value.
func (rb *RecordBuilder) Method(name string, fn func(*Record) interface{}) *RecordBuilder {
	rb.b.Method(name, fn)
	return rb
}

// Display renders instances by the value of column.
func (rb *RecordBuilder) Display(column string) *RecordBuilder {
	rb.b.t.Display = func(e Entity) string {
		r, ok := e.(*Record)
		if !ok {
			return ""
		}
		if v, ok := r.Value(column); ok && v != nil {
			return fmt.Sprint(v)
		}
		return r.String()
	}
	return rb
}

// ToOne declares a relation through the foreign key column fk.
func (rb *RecordBuilder) ToOne(name, target, fk string) *RecordBuilder {
	var field *Field
	rb.b.ToOne(name, target, func(r *Record) (Entity, error) {
		t, err := r.One(field)
		if err != nil || t == nil {
			return nil, err
		}
		return t, nil
	}).Column(fk).Loaded(func(r *Record) bool { return r.IsLoaded(name) })
	field = rb.b.last
	return rb
}

// ToMany declares a reverse relation: rows of target whose remote column
// references this record.
func (rb *RecordBuilder) ToMany(name, target, remote string) *RecordBuilder {
	rb.many(name, target)
	rb.b.Remote(remote)
	return rb
}

// ManyToMany declares a relation through a join table.
func (rb *RecordBuilder) ManyToMany(name, target, table, left, right string) *RecordBuilder {
	rb.many(name, target)
	rb.b.Via(table, left, right)
	return rb
}

func (rb *RecordBuilder) many(name, target string) {
	var field *Field
	rb.b.ToMany(name, target, func(r *Record) ([]Entity, error) {
		targets, err := r.Many(field)
		if err != nil {
			return nil, err
		}
		out := make([]Entity, len(targets))
		for i, t := range targets {
			out[i] = t
		}
		return out, nil
	}).Loaded(func(r *Record) bool { return r.IsLoaded(name) })
	field = rb.b.last
}

// Build finishes the type.
func (rb *RecordBuilder) Build() *EntityType {
	return rb.b.Build()
}
