// Package audit reports what the serialization pipeline infers for a
// template: the paths read from each variable, the serializer compiled for
// it and the eager loads planned for it. Building a report changes no
// cache.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/liveweave/internal/codegen"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/extract"
	"github.com/conneroisu/liveweave/internal/planner"
	"github.com/conneroisu/liveweave/internal/schema"
)

// Report is the audit of one template.
type Report struct {
	Template    string     `json:"template" yaml:"template"`
	Fingerprint string     `json:"fingerprint" yaml:"fingerprint"`
	Variables   []Variable `json:"variables" yaml:"variables"`
}

// Variable is the audit of one context variable.
type Variable struct {
	Name string `json:"name" yaml:"name"`
	// Paths includes the paths read through loop items bound to it.
	Paths []string `json:"paths" yaml:"paths"`
	// BoundTo is the source expression of a loop item or with alias.
	BoundTo    string      `json:"bound_to,omitempty" yaml:"bound_to,omitempty"`
	Type       string      `json:"type,omitempty" yaml:"type,omitempty"`
	Serializer *Serializer `json:"serializer,omitempty" yaml:"serializer,omitempty"`
	Plan       *Plan       `json:"plan,omitempty" yaml:"plan,omitempty"`
}

// Serializer describes a compiled serializer.
type Serializer struct {
	FnName    string   `json:"fn_name" yaml:"fn_name"`
	Generated bool     `json:"generated" yaml:"generated"`
	Dropped   []string `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Tree      string   `json:"tree" yaml:"tree"`
	Source    string   `json:"source,omitempty" yaml:"source,omitempty"`
}

// Plan lists the planned eager loads.
type Plan struct {
	SelectRelated   []string `json:"select_related" yaml:"select_related"`
	PrefetchRelated []string `json:"prefetch_related" yaml:"prefetch_related"`
}

// Options tune a report.
type Options struct {
	// Bindings maps variable names to entity type names. Bound variables
	// get a serializer and a plan.
	Bindings map[string]string
	// WithSource includes the generated source of each serializer.
	WithSource bool
}

// Build audits text, named name, against reg.
func Build(reg *schema.Registry, pl *planner.Planner, name, text string, opts Options) (*Report, error) {
	pm := extract.ExtractPaths(text)
	r := &Report{Template: name, Fingerprint: extract.Fingerprint(text), Variables: []Variable{}}

	for bound := range opts.Bindings {
		if !pm.Has(bound) {
			return nil, errors.NewValidationError(errors.ErrCodeValidationFailed,
				fmt.Sprintf("binding %q is not referenced by %s", bound, name))
		}
	}

	for _, v := range pm.Names() {
		item := Variable{Name: v, Paths: pm.Effective(v), BoundTo: pm.Loops[v]}
		typeName, ok := opts.Bindings[v]
		if ok {
			s, err := codegen.Compile(reg, typeName, item.Paths, "serialize_"+v)
			if err != nil {
				return nil, err
			}
			item.Type = typeName
			item.Serializer = &Serializer{
				FnName:    s.FnName,
				Generated: s.Generated,
				Dropped:   s.Dropped,
				Tree:      s.Describe(),
			}
			if opts.WithSource {
				item.Serializer.Source = s.Source
			}
			plan := pl.Plan(typeName, item.Paths)
			item.Plan = &Plan{SelectRelated: nonNil(plan.SelectRelated), PrefetchRelated: nonNil(plan.PrefetchRelated)}
		}
		r.Variables = append(r.Variables, item)
	}
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Formats are the accepted output formats.
var Formats = []string{"text", "json", "yaml"}

// Write renders r in format.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		_, err := io.WriteString(w, r.Text())
		return err
	}
	return errors.NewValidationError(errors.ErrCodeValidationFailed,
		fmt.Sprintf("unknown format %q (want one of %s)", format, strings.Join(Formats, ", ")))
}

// WriteAll renders several reports: a JSON array, a YAML sequence, or the
// text forms separated by blank lines.
func WriteAll(w io.Writer, format string, reports []*Report) error {
	if len(reports) == 1 {
		return reports[0].Write(w, format)
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(reports); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		for i, r := range reports {
			if i > 0 {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, r.Text()); err != nil {
				return err
			}
		}
		return nil
	}
	return (&Report{}).Write(w, format)
}

// Text renders r for a terminal.
func (r *Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Template %s (%s)\n", r.Template, extract.ShortFingerprint(r.Fingerprint))
	if len(r.Variables) == 0 {
		b.WriteString("  no variables referenced\n")
		return b.String()
	}
	for _, v := range r.Variables {
		fmt.Fprintf(&b, "\n%s", v.Name)
		if v.BoundTo != "" {
			fmt.Fprintf(&b, " (bound to %s)", v.BoundTo)
		}
		if v.Type != "" {
			fmt.Fprintf(&b, ": %s", v.Type)
		}
		b.WriteByte('\n')
		if len(v.Paths) == 0 {
			b.WriteString("  paths: (none)\n")
		}
		for _, p := range v.Paths {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
		if s := v.Serializer; s != nil {
			fmt.Fprintf(&b, "  serializer %s", s.FnName)
			if !s.Generated {
				b.WriteString(" (deep fallback)")
			}
			b.WriteByte('\n')
			if s.Generated {
				for _, line := range strings.Split(strings.TrimRight(s.Tree, "\n"), "\n") {
					fmt.Fprintf(&b, "    %s\n", line)
				}
			}
			dropped := append([]string(nil), s.Dropped...)
			sort.Strings(dropped)
			for _, d := range dropped {
				fmt.Fprintf(&b, "  unresolved: %s\n", d)
			}
		}
		if p := v.Plan; p != nil {
			fmt.Fprintf(&b, "  select_related: %s\n", list(p.SelectRelated))
			fmt.Fprintf(&b, "  prefetch_related: %s\n", list(p.PrefetchRelated))
		}
	}
	return b.String()
}

func list(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}
