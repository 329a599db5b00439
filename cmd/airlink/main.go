// Command airlink is the sender/receiver CLI, generalizing the teacher's
// single fpv-sender binary (flag-parsed, local-mode-only) into a cobra root
// command with sender and receiver subcommands per SPEC_FULL.md §6/§12.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
