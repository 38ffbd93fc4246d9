package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/duplex/duplex/engine/tlsengine"
)

// version is set at build time via -ldflags "-X github.com/TheusHen/duplex/cmd/duplexcat/cmd.version=x.y.z"
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the duplexcat version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "duplexcat version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "protocol: %s\n", tlsengine.ALPN)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
