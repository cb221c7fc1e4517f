package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time.
var version = "dev"

const defaultSocket = "/var/run/proxyward.sock"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "proxyward",
		Short:         "proxyward supervises a proxy worker and its host integration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "daemon control socket")

	client := func() *Client { return NewClient(socketPath) }

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd(client))
	root.AddCommand(newStatusCmd(client))
	root.AddCommand(newStartCmd(client))
	root.AddCommand(newStopCmd(client))
	root.AddCommand(newRestartCmd(client))
	root.AddCommand(newSysproxyCmd(client))
	root.AddCommand(newDNSCmd(client))
	root.AddCommand(newTunCmd(client))
	root.AddCommand(newProbeCmd(client))
	root.AddCommand(newPortsCmd(client))
	return root
}
