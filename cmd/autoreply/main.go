package main

import (
	"os"

	"github.com/nous-labs/autoreply/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := cli.Execute(cli.BuildInfo{Version: version, Commit: commit}); err != nil {
		os.Exit(1)
	}
}
