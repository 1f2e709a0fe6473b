package schema

import (
	"fmt"
	"reflect"
)

// Builder declares the accessor table of a Go type T.
//
//	post := schema.Define[*Post]("Post").
//		Table("posts").
//		Scalar("id", func(p *Post) any { return p.ID }).
//		Scalar("title", func(p *Post) any { return p.Title }).
//		ToOne("author", "User", func(p *Post) (schema.Entity, error) { return p.Author, nil }).
//		Build()
type Builder[T Entity] struct {
	t    *EntityType
	last *Field
}

// Define starts the accessor table of the type named name.
func Define[T Entity](name string) *Builder[T] {
	var zero T
	return &Builder[T]{t: &EntityType{
		Name:   name,
		Table:  name,
		PK:     "id",
		fields: make(map[string]*Field),
		goType: reflect.TypeOf(zero),
	}}
}

func (b *Builder[T]) add(f *Field) *Builder[T] {
	if _, dup := b.t.fields[f.Name]; dup {
		panic(fmt.Sprintf("schema: field %s.%s declared twice", b.t.Name, f.Name))
	}
	b.t.fields[f.Name] = f
	b.t.order = append(b.t.order, f.Name)
	b.last = f
	return b
}

func cast[T Entity](e Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("expected %T, got %T", zero, e)
	}
	return v, nil
}

// Table sets the storage table name.
func (b *Builder[T]) Table(name string) *Builder[T] {
	b.t.Table = name
	return b
}

// PrimaryKey sets the primary key field name. The default is "id".
func (b *Builder[T]) PrimaryKey(field string) *Builder[T] {
	b.t.PK = field
	return b
}

// Display sets the display function.
func (b *Builder[T]) Display(fn func(T) string) *Builder[T] {
	b.t.Display = func(e Entity) string {
		v, err := cast[T](e)
		if err != nil {
			return ""
		}
		return fn(v)
	}
	return b
}

// Scalar declares a plain field stored in a column of the same name.
func (b *Builder[T]) Scalar(name string, get func(T) interface{}) *Builder[T] {
	return b.add(&Field{
		Name:   name,
		Kind:   KindScalar,
		Column: name,
		Get: func(e Entity) (interface{}, error) {
			v, err := cast[T](e)
			if err != nil {
				return nil, err
			}
			return get(v), nil
		},
	})
}

// Method declares a computed value. Methods are only called when a
// template path names them.
func (b *Builder[T]) Method(name string, get func(T) interface{}) *Builder[T] {
	b.Scalar(name, get)
	b.last.Kind = KindMethod
	b.last.Column = ""
	return b
}

// ToOne declares a to-one relation whose foreign key column is
// "<name>_id".
func (b *Builder[T]) ToOne(name, target string, get func(T) (Entity, error)) *Builder[T] {
	return b.add(&Field{
		Name:   name,
		Kind:   KindToOne,
		Target: target,
		Column: name + "_id",
		One: func(e Entity) (Entity, error) {
			v, err := cast[T](e)
			if err != nil {
				return nil, err
			}
			return get(v)
		},
	})
}

// ToMany declares a to-many relation.
func (b *Builder[T]) ToMany(name, target string, get func(T) ([]Entity, error)) *Builder[T] {
	return b.add(&Field{
		Name:   name,
		Kind:   KindToMany,
		Target: target,
		Many: func(e Entity) ([]Entity, error) {
			v, err := cast[T](e)
			if err != nil {
				return nil, err
			}
			return get(v)
		},
	})
}

// Column overrides the storage column of the last declared field.
func (b *Builder[T]) Column(column string) *Builder[T] {
	b.last.Column = column
	return b
}

// Remote sets the foreign key column, on the target table, of the last
// declared to-many relation.
func (b *Builder[T]) Remote(column string) *Builder[T] {
	b.last.Remote = column
	return b
}

// Via sets the join table of the last declared to-many relation.
func (b *Builder[T]) Via(table, left, right string) *Builder[T] {
	b.last.Through = &Through{Table: table, Left: left, Right: right}
	return b
}

// Loaded sets the loaded check of the last declared relation.
func (b *Builder[T]) Loaded(fn func(T) bool) *Builder[T] {
	b.last.Loaded = func(e Entity) bool {
		v, err := cast[T](e)
		return err == nil && fn(v)
	}
	return b
}

// Build finishes the type.
func (b *Builder[T]) Build() *EntityType {
	b.t.computeFingerprint()
	return b.t
}
