// Package schema holds the explicit field-accessor tables of entity types.
//
// Every type the pipeline serializes is registered once at startup with one
// accessor per field. Path resolution, query planning and serializer codegen
// all work against this closed vocabulary; nothing reads entity fields by
// reflection.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/liveweave/internal/errors"
)

// Entity is a model instance.
type Entity interface {
	EntityType() string
}

// FieldKind classifies a field path segment.
type FieldKind int

const (
	KindUnknown FieldKind = iota
	KindScalar
	KindToOne
	KindToMany
	KindMethod
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindToOne:
		return "to_one"
	case KindToMany:
		return "to_many"
	case KindMethod:
		return "method"
	default:
		return "unknown"
	}
}

// IsRelation reports whether k names another entity type.
func (k FieldKind) IsRelation() bool {
	return k == KindToOne || k == KindToMany
}

// Through describes the join table of a many-to-many relation.
type Through struct {
	Table string
	Left  string // column referencing the owner
	Right string // column referencing the target
}

// Field is one entry of an accessor table. Exactly one of Get, One and Many
// is set, matching Kind.
type Field struct {
	Name   string
	Kind   FieldKind
	Target string

	// Storage mapping, used by the SQL store. Column is the scalar column or,
	// for to-one relations, the foreign key column on the owner's table.
	// Remote is the foreign key column on the target table of a reverse
	// to-many relation.
	Column  string
	Remote  string
	Through *Through

	Get  func(Entity) (interface{}, error)
	One  func(Entity) (Entity, error)
	Many func(Entity) ([]Entity, error)

	// Loaded reports whether a relation can be read without a fetch. Nil
	// means always.
	Loaded func(Entity) bool
}

// IsLoaded reports whether reading f from e needs no fetch.
func (f *Field) IsLoaded(e Entity) bool {
	if f.Loaded == nil {
		return true
	}
	return f.Loaded(e)
}

// EntityType is the accessor table of one entity type.
type EntityType struct {
	Name  string
	Table string
	// PK is the name of the primary key field.
	PK string
	// Display returns the human readable form of an instance. Defaults to
	// fmt.Stringer or "<Name> object (<pk>)".
	Display func(Entity) string

	fields      map[string]*Field
	order       []string
	goType      reflect.Type
	fingerprint string
}

// Field returns the named field.
func (t *EntityType) Field(name string) (*Field, bool) {
	f, ok := t.fields[name]
	return f, ok
}

// Fields returns the fields in declaration order.
func (t *EntityType) Fields() []*Field {
	out := make([]*Field, len(t.order))
	for i, name := range t.order {
		out[i] = t.fields[name]
	}
	return out
}

// Fingerprint identifies the shape of the type: its name, table and fields.
func (t *EntityType) Fingerprint() string {
	return t.fingerprint
}

// Accepts reports whether e is an instance of t.
func (t *EntityType) Accepts(e Entity) bool {
	if e == nil || e.EntityType() != t.Name {
		return false
	}
	return t.goType == nil || reflect.TypeOf(e) == t.goType
}

// PrimaryKey returns the primary key of e, or nil.
func (t *EntityType) PrimaryKey(e Entity) interface{} {
	f, ok := t.fields[t.PK]
	if !ok || f.Get == nil {
		return nil
	}
	v, err := f.Get(e)
	if err != nil {
		return nil
	}
	return v
}

// String returns the display form of e.
func (t *EntityType) String(e Entity) string {
	if t.Display != nil {
		return t.Display(e)
	}
	if s, ok := e.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%s object (%v)", t.Name, t.PrimaryKey(e))
}

func (t *EntityType) computeFingerprint() {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", t.Name, t.Table, t.PK)
	names := append([]string(nil), t.order...)
	sort.Strings(names)
	for _, name := range names {
		f := t.fields[name]
		fmt.Fprintf(h, "|%s:%s:%s:%s:%s", f.Name, f.Kind, f.Target, f.Column, f.Remote)
		if f.Through != nil {
			fmt.Fprintf(h, ":%s.%s.%s", f.Through.Table, f.Through.Left, f.Through.Right)
		}
	}
	t.fingerprint = hex.EncodeToString(h.Sum(nil))
}

// Registry holds the registered entity types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*EntityType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*EntityType)}
}

// Register adds t. Registering a name twice is an error.
func (r *Registry) Register(t *EntityType) error {
	if t == nil || t.Name == "" {
		return errors.NewValidationError(errors.ErrCodeValidationFailed, "entity type without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[t.Name]; dup {
		return errors.NewValidationError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("entity type %q already registered", t.Name))
	}
	r.types[t.Name] = t
	return nil
}

// MustRegister is Register for startup code.
func (r *Registry) MustRegister(types ...*EntityType) *Registry {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the named type.
func (r *Registry) Lookup(name string) (*EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// TypeOf returns the type of e.
func (r *Registry) TypeOf(e Entity) (*EntityType, bool) {
	if e == nil {
		return nil, false
	}
	t, ok := r.Lookup(e.EntityType())
	if !ok || !t.Accepts(e) {
		return nil, false
	}
	return t, true
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve classifies one path segment of typeName. Unknown types and fields
// resolve to KindUnknown.
func (r *Registry) Resolve(typeName, segment string) (*Field, FieldKind) {
	t, ok := r.Lookup(typeName)
	if !ok {
		return nil, KindUnknown
	}
	f, ok := t.Field(segment)
	if !ok {
		return nil, KindUnknown
	}
	return f, f.Kind
}

// Validate checks that every relation targets a registered type.
func (r *Registry) Validate() error {
	var problems []string
	for _, name := range r.Names() {
		t, _ := r.Lookup(name)
		for _, f := range t.Fields() {
			if !f.Kind.IsRelation() {
				continue
			}
			if _, ok := r.Lookup(f.Target); !ok {
				problems = append(problems, fmt.Sprintf("%s.%s targets unknown type %q", t.Name, f.Name, f.Target))
			}
		}
	}
	if len(problems) > 0 {
		return errors.NewValidationError(errors.ErrCodeUnknownEntity, strings.Join(problems, "; "))
	}
	return nil
}

// IsNil reports whether e is nil or a typed nil pointer.
func IsNil(e Entity) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}
