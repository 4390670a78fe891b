package main

import (
	"os"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
