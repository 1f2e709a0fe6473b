package cmd

import (
	"fmt"
	"strings"
	"unicode"
)

// parseBindings reads var=Type pairs given with --bind.
func parseBindings(specs []string) (map[string]string, error) {
	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		name, typ, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid binding %q, want var=Type", spec)
		}
		name, typ = strings.TrimSpace(name), strings.TrimSpace(typ)
		if err := validateIdentifier(name); err != nil {
			return nil, fmt.Errorf("invalid binding %q: variable %w", spec, err)
		}
		if err := validateIdentifier(typ); err != nil {
			return nil, fmt.Errorf("invalid binding %q: type %w", spec, err)
		}
		if prev, dup := out[name]; dup && prev != typ {
			return nil, fmt.Errorf("variable %s bound to both %s and %s", name, prev, typ)
		}
		out[name] = typ
	}
	return out, nil
}

// validateIdentifier accepts template variable and type names.
func validateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("is empty")
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return fmt.Errorf("%q contains invalid character %q", s, r)
	}
	return nil
}
