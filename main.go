package main

import (
	"os"

	"github.com/LoveWonYoung/canexplorer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
