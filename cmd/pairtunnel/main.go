package main

import (
	"os"

	"github.com/opd-ai/pairtunnel/cmd/pairtunnel/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
