package main

import (
	"os"

	"github.com/nacionmx/nacion/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
