// Package cli parses the option table in spec.md §6 and hands a fully
// resolved driver.Options to internal/driver.Run. Out of core scope per
// spec.md §1, implemented here because a spec without an entrypoint
// cannot be run; layered the way the teacher's internal/cli/run.go
// layers flags, env, and config: pflag for parsing, environment
// variables as a fallback when a flag was not explicitly set, then the
// optional JSONC config as the lowest-precedence source for root,
// journal, and maximum-venvs.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/crockeo/venvcache/internal/builder"
	"github.com/crockeo/venvcache/internal/config"
	"github.com/crockeo/venvcache/internal/driver"
	venvfs "github.com/crockeo/venvcache/internal/fs"
	"github.com/crockeo/venvcache/internal/logging"
)

// ErrUsage wraps conflicting or missing options (spec.md §7's
// UsageError kind).
var ErrUsage = errors.New("venvcache: usage error")

// ExitUsage is returned for ErrUsage failures, distinct from
// driver.ExitError so a caller scripting against this CLI can tell a
// malformed invocation from an upstream run failure.
const ExitUsage = 2

const defaultMaximumVenvs = 50

// Run is the process entry point: parses args (args[0] is the program
// name, matching the teacher's internal/cli.Run convention), resolves
// options from flags/env/config, and executes one invocation via
// internal/driver.Run.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env []string) int {
	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return ExitUsage
	}

	return run(stdin, stdout, stderr, args, env, workDir)
}

func run(stdin io.Reader, stdout, stderr io.Writer, args []string, env []string, workDir string) int {
	flags := flag.NewFlagSet("venvcache", flag.ContinueOnError)
	flags.SetInterspersed(false) // trailing args are forwarded to the interpreter, never parsed as flags
	flags.SetOutput(&bytes.Buffer{})
	flags.Usage = func() {}

	flagHelp := flags.BoolP("help", "h", false, "show usage")
	flagPython := flags.String("python", "", "interpreter path (env VENVCACHE_PYTHON)")
	flagRoot := flags.String("root", "", "root directory for cached environments (env VENVCACHE_ROOT)")
	flagJournal := flags.String("journal", "", "path to the journal database file (env VENVCACHE_JOURNAL)")
	flagMaximumVenvs := flags.Int("maximum-venvs", 0, "positive integer capacity (default 50)")
	flagRequirements := flags.String("requirements", "", "literal requirements text")
	flagRequirementsPath := flags.String("requirements-path", "", "path to a requirements file")
	flagConfig := flags.String("config", "", "path to an explicit config file")
	flagLogLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	flagVerbose := flags.BoolP("verbose", "v", false, "log every lock/build/eviction transition at debug level (env VENVCACHE_VERBOSE)")

	if len(args) > 1 {
		if err := flags.Parse(args[1:]); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			printUsage(stderr)

			return ExitUsage
		}
	}

	if *flagHelp {
		printUsage(stdout)
		return 0
	}

	envMap := parseEnv(env)

	python := firstNonEmpty(changedOrEmpty(flags, "python", *flagPython), envMap["VENVCACHE_PYTHON"])
	if python == "" {
		fmt.Fprintln(stderr, "error:", fmt.Errorf("%w: --python or VENVCACHE_PYTHON is required", ErrUsage))
		return ExitUsage
	}

	cfg, _, err := config.Load(workDir, *flagConfig, env)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return ExitUsage
	}

	root := firstNonEmpty(changedOrEmpty(flags, "root", *flagRoot), envMap["VENVCACHE_ROOT"], cfg.Root)
	if root == "" {
		fmt.Fprintln(stderr, "error:", fmt.Errorf("%w: --root, VENVCACHE_ROOT, or config root is required", ErrUsage))
		return ExitUsage
	}

	journalPath := firstNonEmpty(changedOrEmpty(flags, "journal", *flagJournal), envMap["VENVCACHE_JOURNAL"], cfg.Journal)
	if journalPath == "" {
		fmt.Fprintln(stderr, "error:", fmt.Errorf("%w: --journal, VENVCACHE_JOURNAL, or config journal is required", ErrUsage))
		return ExitUsage
	}

	maximumVenvs := cfg.MaximumVenvs
	if maximumVenvs <= 0 {
		maximumVenvs = defaultMaximumVenvs
	}

	if flags.Changed("maximum-venvs") {
		maximumVenvs = *flagMaximumVenvs
	}

	if maximumVenvs <= 0 {
		fmt.Fprintln(stderr, "error:", fmt.Errorf("%w: --maximum-venvs must be positive", ErrUsage))
		return ExitUsage
	}

	requirements, err := resolveRequirementsSource(flags, *flagRequirements, *flagRequirementsPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return ExitUsage
	}

	logLevel := *flagLogLevel
	if *flagVerbose || envTruthy(envMap["VENVCACHE_VERBOSE"]) {
		logLevel = "debug"
	}

	logger := logging.New(stderr, logLevel)

	opts := driver.Options{
		Python:          python,
		Root:            root,
		JournalPath:     journalPath,
		MaximumVenvs:    maximumVenvs,
		Requirements:    requirements,
		InterpreterArgs: flags.Args(),
		Stdin:           stdin,
		Logger:          logger,
		Builder:         builder.NewReal(logger),
		FS:              venvfs.NewReal(),
	}

	return driver.Run(context.Background(), opts)
}

// resolveRequirementsSource implements spec.md §6's "exactly one of
// --requirements, --requirements-path, or stdin" rule.
func resolveRequirementsSource(flags *flag.FlagSet, requirements, requirementsPath string) (driver.RequirementsSource, error) {
	hasInline := flags.Changed("requirements")
	hasPath := flags.Changed("requirements-path")

	switch {
	case hasInline && hasPath:
		return driver.RequirementsSource{}, fmt.Errorf("%w: --requirements and --requirements-path are mutually exclusive", ErrUsage)
	case hasInline:
		return driver.InlineSource(requirements), nil
	case hasPath:
		return driver.FileSource(requirementsPath), nil
	default:
		return driver.StdinSource(), nil
	}
}

func changedOrEmpty(flags *flag.FlagSet, name, value string) string {
	if flags.Changed(name) {
		return value
	}

	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// envTruthy treats an unset or explicitly-falsy VENVCACHE_VERBOSE as
// off; anything else (including "1", "true", "yes") turns it on.
func envTruthy(value string) bool {
	switch strings.ToLower(value) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}

func parseEnv(env []string) map[string]string {
	m := make(map[string]string, len(env))

	for _, e := range env {
		k, v, ok := strings.Cut(e, "=")
		if ok {
			m[k] = v
		}
	}

	return m
}

const usageText = `venvcache - content-addressed cache of Python virtual environments

Usage: venvcache [flags] [-- interpreter-args...]

Flags:
  --python <path>             interpreter path (env VENVCACHE_PYTHON)
  --root <dir>                root directory for cached environments (env VENVCACHE_ROOT)
  --journal <path>             path to the journal database file (env VENVCACHE_JOURNAL)
  --maximum-venvs <n>          positive integer capacity (default 50)
  --requirements <text>        literal requirements text
  --requirements-path <path>   path to a requirements file
  --config <path>              explicit config file
  --log-level <level>          debug, info, warn, error (default info)
  -v, --verbose                log every lock/build/eviction transition (env VENVCACHE_VERBOSE)
  -h, --help                   show this message

Requirements source is exactly one of --requirements, --requirements-path,
or standard input when neither is given.
`

func printUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}
