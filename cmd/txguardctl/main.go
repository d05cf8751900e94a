// txguardctl - offline tools for the txguard scoring engine
package main

import (
	"os"

	"github.com/mbd888/txguard/internal/cli"
)

// Set by ldflags
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
