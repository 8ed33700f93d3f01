package main

import (
	"context"
	"os"

	"github.com/mailporter/mailporter/cmd/mailporter/cmd"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Signal handling lives in the transfer command, which turns
	// SIGINT/SIGTERM into a graceful engine shutdown. A shutdown run
	// exits 0; only real failures reach this error path.
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}
