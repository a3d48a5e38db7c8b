// Command tab is the demo ingress CLI for the Twin-Agent Bridge
// orchestration core: it accepts a conversation request (spec.md §6),
// wires the config-described policies and agent descriptors into the
// core packages, drives one session to completion, and prints the
// conversation response. It is the out-of-scope external surface
// spec.md §1 names ("the HTTP/CLI surface that accepts user
// conversation requests") kept as a thin demo caller, mirroring how
// the teacher SDK ships example binaries under examples/ rather than
// folding a CLI into the library itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "tab",
		Short: "Twin-Agent Bridge: orchestrate a bounded, bidirectional dialogue between two or more agent CLIs",
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newVerifyJournalCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tab:", err)
		os.Exit(1)
	}
}
