package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/liveweave/internal/errors"
)

// File is the YAML description of a set of record-backed types.
//
//	types:
//	  - name: Lease
//	    table: leases
//	    fields: [rent, status]
//	    relations:
//	      - {name: tenant, kind: to_one, target: Tenant, column: tenant_id}
//	      - {name: payments, kind: to_many, target: Payment, remote: lease_id}
//	      - {name: tags, kind: many_to_many, target: Tag, through: lease_tags, left: lease_id, right: tag_id}
type File struct {
	Types []FileType `yaml:"types"`
}

// FileType declares one type.
type FileType struct {
	Name      string         `yaml:"name"`
	Table     string         `yaml:"table"`
	Display   string         `yaml:"display,omitempty"`
	Fields    []string       `yaml:"fields"`
	Relations []FileRelation `yaml:"relations,omitempty"`
}

// FileRelation declares one relation of a type.
type FileRelation struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Target  string `yaml:"target"`
	Column  string `yaml:"column,omitempty"`
	Remote  string `yaml:"remote,omitempty"`
	Through string `yaml:"through,omitempty"`
	Left    string `yaml:"left,omitempty"`
	Right   string `yaml:"right,omitempty"`
}

// LoadFile reads a schema file and builds its registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "read schema file").
			WithContext("path", path)
	}
	reg, err := ParseFile(data)
	if err != nil {
		if le, ok := err.(*errors.LiveError); ok {
			return nil, le.WithContext("path", path)
		}
		return nil, err
	}
	return reg, nil
}

// ParseFile builds a registry from YAML. Every relation must target a
// declared type.
func ParseFile(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapValidation(err, errors.ErrCodeValidationFailed, "parse schema file")
	}

	reg := NewRegistry()
	for i, ft := range f.Types {
		t, err := ft.build()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, errors.ErrCodeValidationFailed,
				fmt.Sprintf("schema type #%d", i+1))
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (ft FileType) build() (*EntityType, error) {
	if ft.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	table := ft.Table
	if table == "" {
		return nil, fmt.Errorf("%s: missing table", ft.Name)
	}

	rb := RecordType(ft.Name, table)
	for _, name := range ft.Fields {
		if name != "id" {
			rb.Scalar(name)
		}
	}
	if ft.Display != "" {
		rb.Display(ft.Display)
	}

	for _, rel := range ft.Relations {
		if rel.Name == "" || rel.Target == "" {
			return nil, fmt.Errorf("%s: relation needs a name and a target", ft.Name)
		}
		switch rel.Kind {
		case "to_one":
			column := rel.Column
			if column == "" {
				column = rel.Name + "_id"
			}
			rb.ToOne(rel.Name, rel.Target, column)
		case "to_many":
			if rel.Remote == "" {
				return nil, fmt.Errorf("%s.%s: to_many needs remote", ft.Name, rel.Name)
			}
			rb.ToMany(rel.Name, rel.Target, rel.Remote)
		case "many_to_many":
			if rel.Through == "" || rel.Left == "" || rel.Right == "" {
				return nil, fmt.Errorf("%s.%s: many_to_many needs through, left and right", ft.Name, rel.Name)
			}
			rb.ManyToMany(rel.Name, rel.Target, rel.Through, rel.Left, rel.Right)
		default:
			return nil, fmt.Errorf("%s.%s: unknown relation kind %q", ft.Name, rel.Name, rel.Kind)
		}
	}
	return rb.Build(), nil
}
