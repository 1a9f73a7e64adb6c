// Package main is the entry point for the fhserve application.
package main

import (
	"os"

	"github.com/wavecast/fhserve/cmd/fhserved/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
