// Package main is the entry point for the streamasr CLI.
//
// Usage:
//
//	streamasr [flags] <command> [args]
//
// Commands:
//
//	stream     - Stream a local PCM file for recognition
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/voxlink/streamasr/cmd/streamasr/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
