package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBindings(t *testing.T) {
	tests := []struct {
		name    string
		specs   []string
		want    map[string]string
		wantErr string
	}{
		{name: "none", want: map[string]string{}},
		{
			name:  "pairs",
			specs: []string{"leases=Lease", " units = Unit "},
			want:  map[string]string{"leases": "Lease", "units": "Unit"},
		},
		{name: "repeat same type", specs: []string{"a=A", "a=A"}, want: map[string]string{"a": "A"}},
		{name: "missing equals", specs: []string{"leases"}, wantErr: "want var=Type"},
		{name: "empty type", specs: []string{"leases="}, wantErr: "type is empty"},
		{name: "bad variable", specs: []string{"1x=A"}, wantErr: "invalid character"},
		{name: "dotted variable", specs: []string{"a.b=A"}, wantErr: "invalid character"},
		{name: "conflict", specs: []string{"a=A", "a=B"}, wantErr: "bound to both A and B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBindings(tt.specs)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseData(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ctx.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"n": 2, "tags": ["a"]}`), 0o644))

	got, err := parseData("@" + file)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["n"])
	assert.Equal(t, []interface{}{"a"}, got["tags"])

	got, err = parseData(`{"title": "Hi"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "Hi"}, got)

	got, err = parseData("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseData(`[1, 2]`)
	assert.ErrorContains(t, err, "--data must hold a JSON object")

	_, err = parseData(`{"open": `)
	assert.ErrorContains(t, err, "invalid JSON in --data")

	_, err = parseData("@" + filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read data file")
}

func TestValidateFormat(t *testing.T) {
	formats := []string{"text", "json", "yaml"}

	assert.NoError(t, validateFormat("json", formats))

	err := validateFormat("jsn", formats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "json"?`)

	err = validateFormat("xml", formats)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestAddFlagValidation(t *testing.T) {
	var format string
	c := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	c.Flags().StringVar(&format, "format", "text", "")
	AddFlagValidation(c, "format", func(v string) error {
		return validateFormat(v, []string{"text", "json"})
	})
	AddFlagValidation(c, "missing", func(string) error { return nil })

	require.NoError(t, c.Flags().Set("format", "json"))
	assert.Equal(t, "json", format)

	assert.Error(t, c.Flags().Set("format", "csv"))
	assert.Equal(t, "json", format)
}
