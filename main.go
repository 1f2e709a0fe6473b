package main

import (
	"os"

	"github.com/conneroisu/liveweave/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
