package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/config"
)

// CreateTempProject creates a temporary project with a templates directory.
func CreateTempProject(t *testing.T) string {
	t.Helper()
	tempDir := t.TempDir()

	for _, dir := range []string{"templates", "templates/partials"} {
		err := os.MkdirAll(filepath.Join(tempDir, dir), 0o755)
		require.NoError(t, err)
	}

	return tempDir
}

// WriteTemplate writes a template file under dir/templates and returns its
// path.
func WriteTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, "templates", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// CreateTestConfig returns a configuration for a project created by
// CreateTempProject, backed by the in-memory store.
func CreateTestConfig(projectDir string) *config.Config {
	cfg := config.Default()
	cfg.Templates.Dirs = []string{filepath.Join(projectDir, "templates")}
	cfg.Templates.Watch = false
	cfg.Store.Driver = "memory"
	cfg.Store.DSN = ""
	cfg.Server.Port = 0
	return cfg
}
