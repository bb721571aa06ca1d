package main

import (
	"os"

	"github.com/austindbirch/parcelhook/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
