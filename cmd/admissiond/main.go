/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command admissiond runs an HTTP API behind admission control and inspects its statistics.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
