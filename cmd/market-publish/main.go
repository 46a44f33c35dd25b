// market-publish uploads Android packages to Myket and Cafe Bazaar.
package main

import (
	"os"

	"github.com/rescale/market-publish/internal/cli"
	"github.com/rescale/market-publish/internal/version"
)

// Version information, set with -ldflags "-X main.Version=..."
var (
	Version   = ""
	BuildTime = ""
)

func main() {
	if Version != "" {
		version.Version = Version
	}
	if BuildTime != "" {
		version.BuildTime = BuildTime
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
