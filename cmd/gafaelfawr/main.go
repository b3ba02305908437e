// Package main is the entry point for the gafaelfawr CLI.
package main

import (
	"fmt"
	"os"

	"github.com/lsst/gafaelfawr/cmd/gafaelfawr/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gafaelfawr: %v\n", err)
		os.Exit(1)
	}
}
