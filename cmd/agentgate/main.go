package main

import (
	"os"

	"github.com/MEKXH/agentgate/cmd/agentgate/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
