// Package main is the entry point of osd, the Open SoC Debug host daemon and CLI.
package main

import (
	"fmt"
	"os"

	"opensocdebug.org/osd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
