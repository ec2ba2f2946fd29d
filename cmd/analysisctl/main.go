// Package main is the entry point for analysisctl, the terminal client for
// the analysis worker API.
package main

import (
	"os"

	"github.com/kiranshivaraju/analysisworker/cmd/analysisctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
