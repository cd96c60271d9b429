package main

import (
	"os"

	"github.com/noetl/noetl/cmd/noetl/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
