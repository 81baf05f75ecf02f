// Package config loads the optional JSONC defaults file layered under
// the CLI flags in spec.md §6, adapted from the teacher's root-level
// config.go: same precedence chain (defaults -> global -> project ->
// CLI overrides), same hujson-based JSONC parsing, narrowed to the
// three fields spec.md treats as config-able (root, journal,
// maximum-venvs). --python and the requirements source are always
// explicit and never read from a config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// ErrInvalid wraps a malformed config file (bad JSONC, wrong types, or
// a negative maximum_venvs). A maximum_venvs of 0 is treated like an
// absent key and leaves the earlier value in place.
var ErrInvalid = errors.New("config: invalid config file")

// ErrFileNotFound wraps a missing file at an explicitly-named config
// path (as opposed to the optional default locations, which are simply
// skipped when absent).
var ErrFileNotFound = errors.New("config: file not found")

// FileName is the default project-local config file name, looked up in
// the current working directory when no explicit path is given.
const FileName = ".venvcache.json"

// Config holds the subset of spec.md §6's options that may be supplied
// by a config file rather than required on every invocation.
type Config struct {
	Root         string `json:"root,omitempty"`
	Journal      string `json:"journal,omitempty"`
	MaximumVenvs int    `json:"maximum_venvs,omitempty"` //nolint:tagliatelle // snake_case for config file
}

// Sources records which config files, if any, contributed to the final
// merged Config, for diagnostics (e.g. a --print-config style probe).
type Sources struct {
	Global  string
	Project string
}

// Default returns the zero-config defaults: no root/journal (both
// remain required via flag or env), capacity 50 per spec.md §6.
func Default() Config {
	return Config{MaximumVenvs: 50}
}

// Load applies the precedence chain: defaults, then the global user
// config (if present), then the project/explicit config (if present).
// CLI overrides are applied by the caller (internal/cli), not here,
// since only the caller knows which flags were actually set versus
// left at their flag-package zero value.
func Load(workDir, explicitPath string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadGlobal(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProject(workDir, explicitPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if cfg.MaximumVenvs <= 0 {
		return Config{}, Sources{}, fmt.Errorf("%w: maximum_venvs must be positive", ErrInvalid)
	}

	return cfg, sources, nil
}

func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "venvcache", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "venvcache", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "venvcache", "config.json")
}

func loadGlobal(env []string) (Config, string, error) {
	path := globalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProject(workDir, explicitPath string) (Config, string, error) {
	var path string

	mustExist := explicitPath != ""

	if mustExist {
		path = explicitPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, explicitPath)
		}
	} else {
		path = filepath.Join(workDir, FileName)
	}

	cfg, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user/env-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: reading %s: %w", ErrInvalid, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w: %s: invalid JSONC: %w", ErrInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("%w: %s: invalid JSON: %w", ErrInvalid, path, err)
	}

	return cfg, true, nil
}

func merge(base, overlay Config) Config {
	if overlay.Root != "" {
		base.Root = overlay.Root
	}

	if overlay.Journal != "" {
		base.Journal = overlay.Journal
	}

	if overlay.MaximumVenvs != 0 {
		base.MaximumVenvs = overlay.MaximumVenvs
	}

	return base
}
