// Package serialize converts arbitrary values into plain data: maps, slices,
// strings, numbers, booleans and nil. It is the fallback path of the render
// pipeline and never fails; values it cannot classify become their string
// form.
package serialize

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/liveweave/internal/blob"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
)

// DefaultMaxDepth is the entity nesting limit.
const DefaultMaxDepth = 3

// maxNesting bounds plain collections, which have no entity depth.
const maxNesting = 64

// TruncateFunc reduces an entity at the depth limit to a marker.
type TruncateFunc func(t *schema.EntityType, e schema.Entity) map[string]interface{}

// Marker is the default truncation: the primary key and display string.
func Marker(t *schema.EntityType, e schema.Entity) map[string]interface{} {
	return map[string]interface{}{
		"id":      primaryKey(t, e),
		"__str__": display(t, e),
	}
}

// IDOnly truncates to the primary key alone.
func IDOnly(t *schema.EntityType, e schema.Entity) map[string]interface{} {
	return map[string]interface{}{"id": primaryKey(t, e)}
}

// Serializer is safe for concurrent use.
type Serializer struct {
	reg           *schema.Registry
	maxDepth      int
	truncate      TruncateFunc
	urls          blob.Resolver
	exactDecimals bool
	logger        logging.Logger
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(s *Serializer) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithTruncate replaces Marker.
func WithTruncate(fn TruncateFunc) Option {
	return func(s *Serializer) {
		if fn != nil {
			s.truncate = fn
		}
	}
}

// WithURLResolver sets the resolver used for file references.
func WithURLResolver(r blob.Resolver) Option {
	return func(s *Serializer) {
		if r != nil {
			s.urls = r
		}
	}
}

// WithExactDecimals emits decimals as strings instead of float64.
func WithExactDecimals(exact bool) Option {
	return func(s *Serializer) { s.exactDecimals = exact }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Serializer) {
		s.logger = logging.OrNop(logger).WithComponent("serialize")
	}
}

// New returns a serializer that reads entities through reg. reg may be nil,
// in which case only records are expanded.
func New(reg *schema.Registry, opts ...Option) *Serializer {
	s := &Serializer{
		reg:      reg,
		maxDepth: DefaultMaxDepth,
		truncate: Marker,
		urls:     blob.None,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxDepth returns the entity nesting limit.
func (s *Serializer) MaxDepth() int { return s.maxDepth }

// Serialize converts v to plain data. Entities nested maxDepth levels below
// v are reduced by the truncation func; deeper ones are not reached.
func (s *Serializer) Serialize(ctx context.Context, v interface{}) interface{} {
	return s.value(ctx, v, 0, 0)
}

// Scalar converts a single field value. It is used by compiled serializers
// for leaf segments and never expands entities.
func (s *Serializer) Scalar(ctx context.Context, v interface{}) interface{} {
	if e, ok := v.(schema.Entity); ok && !schema.IsNil(e) {
		t, _ := s.typeOf(e)
		return s.truncate(t, e)
	}
	return s.value(ctx, v, s.maxDepth, 0)
}

// Display returns the display string of e, for relations read as a leaf.
func (s *Serializer) Display(e schema.Entity) string {
	t, _ := s.typeOf(e)
	return display(t, e)
}

func (s *Serializer) value(ctx context.Context, v interface{}, depth, nesting int) (out interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug(ctx, "serialize fell back to string form", "type", fmt.Sprintf("%T", v), "panic", fmt.Sprint(r))
			out = safeString(v)
		}
	}()
	if nesting > maxNesting {
		s.logger.Debug(ctx, "serialize nesting limit reached", "type", fmt.Sprintf("%T", v))
		return nil
	}

	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.Format(time.RFC3339Nano)
	case schema.Date:
		return x.String()
	case schema.Clock:
		return x.String()
	case schema.Decimal:
		return s.decimal(x)
	case uuid.UUID:
		return x.String()
	case schema.FileRef:
		return s.file(ctx, x)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = s.value(ctx, item, depth, nesting+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = s.value(ctx, item, depth, nesting+1)
		}
		return out
	case schema.Entity:
		if schema.IsNil(x) {
			return nil
		}
		return s.entity(ctx, x, depth)
	case error:
		return x.Error()
	case fmt.Stringer:
		if isNilPointer(x) {
			return nil
		}
		return x.String()
	}
	return s.reflectValue(ctx, reflect.ValueOf(v), depth, nesting)
}

func (s *Serializer) reflectValue(ctx context.Context, rv reflect.Value, depth, nesting int) interface{} {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return s.value(ctx, rv.Elem().Interface(), depth, nesting+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []interface{}{}
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = s.value(ctx, rv.Index(i).Interface(), depth, nesting+1)
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = s.value(ctx, iter.Value().Interface(), depth, nesting+1)
		}
		return out
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		s.logger.Debug(ctx, "skipping uncallable value", "type", rv.Type().String())
		return nil
	}
	return fmt.Sprint(rv.Interface())
}

// decimal returns the float64 form unless exact decimals are requested. The
// float form may round values with more than 15 significant digits.
func (s *Serializer) decimal(d schema.Decimal) interface{} {
	if s.exactDecimals {
		return d.String()
	}
	f, _ := d.Float64()
	return f
}

func (s *Serializer) file(ctx context.Context, f schema.FileRef) interface{} {
	if f.Empty() {
		return nil
	}
	u, ok, err := s.urls.ResolveURL(ctx, f.Name)
	if err != nil {
		s.logger.Warn(ctx, err, "file URL resolution failed", "name", f.Name)
		return nil
	}
	if !ok {
		return nil
	}
	return u
}

func (s *Serializer) typeOf(e schema.Entity) (*schema.EntityType, bool) {
	if s.reg == nil {
		return nil, false
	}
	return s.reg.TypeOf(e)
}

func (s *Serializer) entity(ctx context.Context, e schema.Entity, depth int) interface{} {
	t, ok := s.typeOf(e)
	if depth >= s.maxDepth {
		return s.truncate(t, e)
	}
	if !ok {
		if rec, isRec := e.(*schema.Record); isRec {
			return s.record(ctx, rec, depth)
		}
		return display(nil, e)
	}

	out := map[string]interface{}{
		"id":        primaryKey(t, e),
		"__str__":   display(t, e),
		"__model__": t.Name,
	}
	for _, f := range t.Fields() {
		switch f.Kind {
		case schema.KindScalar:
			v, err := f.Get(e)
			if err != nil {
				s.logger.Debug(ctx, "skipping inaccessible field", "type", t.Name, "field", f.Name, "error", err.Error())
				continue
			}
			out[f.Name] = s.value(ctx, v, depth, 0)
		case schema.KindMethod:
			v, err := f.Get(e)
			if err != nil || !isPrimitive(v) {
				continue
			}
			out[f.Name] = v
		case schema.KindToOne:
			if !f.IsLoaded(e) {
				if rec, isRec := e.(*schema.Record); isRec && f.Column != "" {
					if fk, has := rec.Value(f.Column); has && fk != nil {
						out[f.Column] = s.value(ctx, fk, depth, 0)
					}
				}
				continue
			}
			target, err := f.One(e)
			if err != nil {
				s.logger.Debug(ctx, "skipping relation", "type", t.Name, "field", f.Name, "error", err.Error())
				continue
			}
			if schema.IsNil(target) {
				out[f.Name] = nil
				continue
			}
			out[f.Name] = s.entity(ctx, target, depth+1)
		case schema.KindToMany:
			if !f.IsLoaded(e) {
				continue
			}
			items, err := f.Many(e)
			if err != nil {
				continue
			}
			list := make([]interface{}, 0, len(items))
			for _, item := range items {
				if schema.IsNil(item) {
					continue
				}
				list = append(list, s.entity(ctx, item, depth+1))
			}
			out[f.Name] = list
		}
	}
	return out
}

// record expands a record of an unregistered type from its columns.
func (s *Serializer) record(ctx context.Context, rec *schema.Record, depth int) interface{} {
	out := map[string]interface{}{
		"id":        s.value(ctx, rec.ID, depth, 0),
		"__str__":   rec.String(),
		"__model__": rec.Type,
	}
	for _, col := range rec.Columns() {
		v, _ := rec.Value(col)
		out[col] = s.value(ctx, v, depth, 0)
	}
	return out
}

func primaryKey(t *schema.EntityType, e schema.Entity) interface{} {
	if t != nil {
		return t.PrimaryKey(e)
	}
	if rec, ok := e.(*schema.Record); ok {
		return rec.ID
	}
	return nil
}

func display(t *schema.EntityType, e schema.Entity) string {
	if t != nil {
		return t.String(e)
	}
	if s, ok := e.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%s object", e.EntityType())
}

func isPrimitive(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isNilPointer(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

func safeString(v interface{}) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("<%T>", v)
		}
	}()
	return fmt.Sprint(v)
}
