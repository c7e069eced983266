// Package main is the entry point for the trackdeck application.
package main

import (
	"os"

	"github.com/jmylchreest/trackdeck/cmd/trackdeck/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
