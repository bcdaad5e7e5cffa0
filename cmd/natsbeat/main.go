package main

import (
	"os"

	"github.com/t77yq/natsbeat/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
