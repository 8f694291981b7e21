// main.go — Entry point for the evdipcd daemon binary.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "evdipcd: %v\n", err)
		os.Exit(1)
	}
}
