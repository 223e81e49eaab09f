package main

import (
	"github.com/spf13/cobra"
)

// module defs - set at build time via ldflags
var (
	Version   = "dev"
	BuildDate = "unknown"
)

const appName = "livemap"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Live player map relay",
		Long: `livemap polls a map server for player positions, keeps one marker per
player on each configured world and streams every change to browser
subscribers over WebSocket.`,
		SilenceUsage: true,
	}
	root.Version = Version
	root.SetVersionTemplate(appName + " version {{.Version}}\n")

	root.AddCommand(newRunCmd(), newFetchCmd(), newVersionCmd())
	return root
}
