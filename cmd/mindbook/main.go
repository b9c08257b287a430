// Command mindbook is the entry point for the mindbook document-workspace
// assistant. It provides a CLI interface (via Cobra) and an HTTP server
// exposing the ingestion, retrieval, and chat APIs.
package main

import (
	"fmt"
	"os"

	"github.com/mindbook/mindbook-go/cmd/mindbook/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
