package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("AUTOREPLY_STORE_DRIVER", "sqlite")
	t.Setenv("AUTOREPLY_STORE_PATH", filepath.Join(dir, "autoreply.db"))
	t.Setenv("AUTOREPLY_LOGGING_LEVEL", "error")

	root := NewRootCmd(BuildInfo{Version: "1.2.3", Commit: "abc123"})
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "autoreply 1.2.3 (abc123)\n", stdout)
}

func TestOnThenStatus(t *testing.T) {
	dir := t.TempDir()

	stdout, _, err := executeCLI(t, dir, "on", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Auto-replies enabled.")

	stdout, _, err = executeCLI(t, dir, "status", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Auto-reply: ON")
	assert.Contains(t, stdout, "Session: stopped")

	stdout, _, err = executeCLI(t, dir, "status", "--owner", "1", "--json")
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, true, st["enabled"])
	assert.EqualValues(t, 1, st["owner_id"])

	stdout, _, err = executeCLI(t, dir, "off", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Auto-replies disabled.")
}

func TestOwnerRequired(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoOwner)
}

func TestOwnerFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "autoreply.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("owner:\n  id: 9\n"), 0o600))

	stdout, _, err := executeCLI(t, dir, "--config", cfgPath, "on")
	require.NoError(t, err)
	assert.Contains(t, stdout, "enabled")

	stdout, _, err = executeCLI(t, dir, "status", "--owner", "9")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Auto-reply: ON")
}

func TestSetAndPause(t *testing.T) {
	dir := t.TempDir()

	stdout, _, err := executeCLI(t, dir, "set", "--owner", "1", "quiet_start", "23:00")
	require.NoError(t, err)
	assert.Equal(t, "quiet_hours_start=23:00\n", stdout)

	stdout, _, err = executeCLI(t, dir, "set", "--owner", "1", "style", "dry", "humour")
	require.NoError(t, err)
	assert.Equal(t, "style_profile=dry humour\n", stdout)

	_, _, err = executeCLI(t, dir, "set", "--owner", "1", "quiet_mode", "loud")
	assert.ErrorContains(t, err, "invalid quiet_mode")

	_, _, err = executeCLI(t, dir, "set", "--owner", "1", "quiet_mode")
	assert.Error(t, err)

	stdout, _, err = executeCLI(t, dir, "pause", "--owner", "1", "30m")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Paused until")

	stdout, _, err = executeCLI(t, dir, "status", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Paused:")
	assert.Contains(t, stdout, "Quiet hours: 23:00 - -")

	_, _, err = executeCLI(t, dir, "pause", "--owner", "1", "whenever")
	assert.Error(t, err)

	stdout, _, err = executeCLI(t, dir, "resume", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "resumed")
}

func TestSettingsExportImport(t *testing.T) {
	dir := t.TempDir()

	_, _, err := executeCLI(t, dir, "set", "--owner", "1", "timezone", "Europe/Amsterdam")
	require.NoError(t, err)
	_, _, err = executeCLI(t, dir, "set", "--owner", "1", "context_turns", "12")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, dir, "settings", "export", "--owner", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Europe/Amsterdam")

	file := filepath.Join(dir, "settings.toml")
	_, _, err = executeCLI(t, dir, "settings", "export", "--owner", "1", "--file", file)
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, dir, "settings", "import", "--owner", "2", file)
	require.NoError(t, err)
	assert.Equal(t, "imported 2 settings\n", stdout)

	stdout, _, err = executeCLI(t, dir, "status", "--owner", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Timezone: Europe/Amsterdam")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[settings]\ncontext_turns = \"900\"\n"), 0o600))
	_, _, err = executeCLI(t, dir, "settings", "import", "--owner", "2", bad)
	assert.ErrorContains(t, err, "context_turns")
}

func TestOwnersEmpty(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "owners")
	require.NoError(t, err)
	assert.Equal(t, "no owners\n", stdout)

	stdout, _, err = executeCLI(t, t.TempDir(), "owners", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", stdout)
}
