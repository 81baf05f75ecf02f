package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsWhenNoFilesPresent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.MaximumVenvs)
	require.Empty(t, cfg.Root)
	require.Empty(t, cfg.Journal)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, FileName), `{
		// trailing comma and comments are valid JSONC
		"root": "/var/cache/venvcache",
		"maximum_venvs": 25,
	}`)

	cfg, sources, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, "/var/cache/venvcache", cfg.Root)
	require.Equal(t, 25, cfg.MaximumVenvs)
	require.Equal(t, filepath.Join(dir, FileName), sources.Project)
}

func TestLoad_GlobalConfigAppliesBeforeProject(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	globalPath := filepath.Join(home, ".config", "venvcache", "config.json")
	writeConfig(t, globalPath, `{"root": "/global/root", "journal": "/global/journal.db"}`)

	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, FileName), `{"root": "/project/root"}`)

	env := []string{"XDG_CONFIG_HOME=" + filepath.Join(home, ".config")}

	cfg, sources, err := Load(dir, "", env)
	require.NoError(t, err)

	wantCfg := Config{Root: "/project/root", Journal: "/global/journal.db", MaximumVenvs: 50}
	if diff := cmp.Diff(wantCfg, cfg); diff != "" {
		t.Errorf("merged config mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, globalPath, sources.Global)
}

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := Load(dir, "missing.json", nil)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoad_ExplicitConfigPathOverridesDefaultLocation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, FileName), `{"root": "/default/root"}`)

	explicit := filepath.Join(dir, "custom.json")
	writeConfig(t, explicit, `{"root": "/custom/root"}`)

	cfg, sources, err := Load(dir, "custom.json", nil)
	require.NoError(t, err)
	require.Equal(t, "/custom/root", cfg.Root)
	require.Equal(t, explicit, sources.Project)
}

func TestLoad_RejectsInvalidJSONC(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, FileName), `{not valid json at all`)

	_, _, err := Load(dir, "", nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_RejectsNonPositiveMaximumVenvs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, FileName), `{"maximum_venvs": -1}`)

	_, _, err := Load(dir, "", nil)
	require.ErrorIs(t, err, ErrInvalid)
}
