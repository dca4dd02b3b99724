package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aifusion/internal/config"
)

// useTempConfig points the global flags at a fresh config and database.
func useTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "fusion.db")
	require.NoError(t, cfg.Save(path))

	oldCfg, oldDB := cfgFile, dbPath
	cfgFile, dbPath = path, ""
	t.Cleanup(func() { cfgFile, dbPath = oldCfg, oldDB })
	return cfg.Database.Path
}

func execute(t *testing.T, cmd interface {
	SetArgs([]string)
	Execute() error
}, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestResolveDatabasePath(t *testing.T) {
	want := useTempConfig(t)

	got, err := resolveDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	dbPath = "/tmp/override.db"
	got, err = resolveDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", got)
}

func TestModelsList(t *testing.T) {
	useTempConfig(t)

	var out bytes.Buffer
	cmd := modelsCmd()
	cmd.SetOut(&out)
	require.NoError(t, execute(t, cmd, "list"))
	assert.Contains(t, out.String(), "gpt-3.5")
	assert.Contains(t, out.String(), "gpt-5")

	out.Reset()
	cmd = modelsCmd()
	cmd.SetOut(&out)
	require.NoError(t, execute(t, cmd, "list", "--free"))
	assert.Contains(t, out.String(), "gpt-3.5")
	assert.NotContains(t, out.String(), "premium")
}

func TestUserSetPlan(t *testing.T) {
	useTempConfig(t)

	var out bytes.Buffer
	cmd := userCmd()
	cmd.SetOut(&out)
	require.NoError(t, execute(t, cmd, "set-plan", "Ada@Example.com", "premium"))
	assert.Contains(t, out.String(), "ada@example.com is now on the premium plan")

	out.Reset()
	cmd = userCmd()
	cmd.SetOut(&out)
	require.NoError(t, execute(t, cmd, "show", "ada@example.com"))
	assert.Contains(t, out.String(), "Plan:    premium")
	assert.Contains(t, out.String(), "GPT")

	cmd = userCmd()
	cmd.SetOut(&out)
	err := execute(t, cmd, "set-plan", "ada@example.com", "gold")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown plan"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Contains(t, out.String(), "AI Fusion")
	assert.Contains(t, out.String(), "Go version:")
}

func TestMaintenanceRun(t *testing.T) {
	useTempConfig(t)

	var out bytes.Buffer
	cmd := maintenanceCmd()
	cmd.SetOut(&out)
	require.NoError(t, execute(t, cmd, "run"))

	for _, name := range []string{"chat_retention", "token_cleanup", "database_maintenance"} {
		assert.Contains(t, out.String(), name)
	}
	assert.NotContains(t, out.String(), "FAILED")
}
