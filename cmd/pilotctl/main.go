package main

import (
	"os"

	"github.com/kbellamy/taskpilot/cmd/pilotctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
