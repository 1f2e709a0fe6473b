package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// parseData reads a template context given on the command line: inline
// JSON, or @file for a JSON file. Empty means an empty context.
func parseData(spec string) (map[string]interface{}, error) {
	if spec == "" {
		return map[string]interface{}{}, nil
	}

	src := []byte(spec)
	where := "--data"
	if strings.HasPrefix(spec, "@") {
		filename := strings.TrimPrefix(spec, "@")
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file %s: %w", filename, err)
		}
		src = data
		where = filename
	}

	v, err := oj.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", where, err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must hold a JSON object, got %T", where, v)
	}
	return m, nil
}

// validateFormat accepts one of formats and suggests the closest one
// otherwise.
func validateFormat(format string, formats []string) error {
	for _, f := range formats {
		if format == f {
			return nil
		}
	}
	msg := fmt.Sprintf("invalid format %q, must be one of: %s", format, strings.Join(formats, ", "))
	if s := closest(format, formats); s != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", s)
	}
	return fmt.Errorf("%s", msg)
}

// closest returns the candidate sharing the longest prefix with s.
func closest(s string, candidates []string) string {
	best, bestLen := "", 0
	for _, c := range candidates {
		n := 0
		for n < len(s) && n < len(c) && s[n] == c[n] {
			n++
		}
		if n > bestLen {
			best, bestLen = c, n
		}
	}
	return best
}

// AddFlagValidation checks a flag's value when it is set.
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(flagName)
	}
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validator: validator}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}
