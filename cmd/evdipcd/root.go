package main

import "github.com/spf13/cobra"

// version is set at build time via -ldflags.
var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evdipcd",
		Short: "evdipcd — peer-to-peer IPC daemon with a D-Bus bridge over long-polling HTTP",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}
