// Package main is the entry point for the dura durability harness.
package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/kumasuke/dura/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
