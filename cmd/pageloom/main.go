// Command pageloom is the CLI entrypoint: it resolves a configuration
// document, binds it, and runs one crawl per seed URL. All behavior lives
// in internal/config, internal/crawl, and their collaborators.
package main

import (
	"fmt"
	"os"

	"github.com/pageloom/pageloom/cmd/pageloom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
