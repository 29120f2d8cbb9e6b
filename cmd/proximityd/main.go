package main

import (
	"os"

	"github.com/XC-/proximity/cmd/proximityd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
