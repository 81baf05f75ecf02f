// Package main provides venvcache, a content-addressed, multi-process
// cache of Python virtual environments.
package main

import (
	"os"

	"github.com/crockeo/venvcache/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ()))
}
