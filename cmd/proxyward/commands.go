package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/proxyward/internal/sysproxy"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI and daemon versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Printf("client: %s\n", version)
			v, err := client().Version()
			if err != nil {
				return err
			}
			fmt.Printf("daemon: %s\n", v)
			return nil
		},
	}
}

func newStatusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client().WorkerStatus()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func newStartCmd(client func() *Client) *cobra.Command {
	var exe, configDir, configFile string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var content []byte
			if configFile != "" {
				var err error
				content, err = os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			msg, err := client().StartWorker(exe, configDir, string(content))
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&exe, "executable", "", "worker binary path")
	cmd.Flags().StringVar(&configDir, "config-dir", "", "worker config directory")
	cmd.Flags().StringVar(&configFile, "config", "", "base worker config file")
	_ = cmd.MarkFlagRequired("executable")
	_ = cmd.MarkFlagRequired("config-dir")
	return cmd
}

func newStopCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().StopWorker(); err != nil {
				return err
			}
			fmt.Println("worker stopped")
			return nil
		},
	}
}

func newRestartCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker with its current config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := client().RestartWorker()
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func newSysproxyCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sysproxy",
		Short: "Manage the OS system proxy",
	}

	var settings sysproxy.Settings
	on := &cobra.Command{
		Use:   "on",
		Short: "Point the OS proxy at the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().SysproxyEnable(settings); err != nil {
				return err
			}
			fmt.Println("system proxy enabled")
			return nil
		},
	}
	on.Flags().StringVar(&settings.HTTPHost, "http-host", "127.0.0.1", "HTTP proxy host")
	on.Flags().IntVar(&settings.HTTPPort, "http-port", 7890, "HTTP proxy port")
	on.Flags().StringVar(&settings.HTTPSHost, "https-host", "127.0.0.1", "HTTPS proxy host")
	on.Flags().IntVar(&settings.HTTPSPort, "https-port", 7890, "HTTPS proxy port")
	on.Flags().StringVar(&settings.SOCKSHost, "socks-host", "127.0.0.1", "SOCKS proxy host")
	on.Flags().IntVar(&settings.SOCKSPort, "socks-port", 7891, "SOCKS proxy port")
	on.Flags().StringSliceVar(&settings.Bypass, "bypass", nil, "bypass domains")

	off := &cobra.Command{
		Use:   "off",
		Short: "Restore direct OS networking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().SysproxyDisable(); err != nil {
				return err
			}
			fmt.Println("system proxy disabled")
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the managed proxy state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client().SysproxyStatus()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	cmd.AddCommand(on, off, status)
	return cmd
}

func newDNSCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dns",
		Short: "Manage OS DNS overrides",
	}

	set := &cobra.Command{
		Use:   "set <server> [server...]",
		Short: "Override OS resolvers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DNSConfigure(args); err != nil {
				return err
			}
			fmt.Println("dns override applied")
			return nil
		},
	}
	revert := &cobra.Command{
		Use:   "revert",
		Short: "Restore default resolvers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().DNSRevert(); err != nil {
				return err
			}
			fmt.Println("dns override reverted")
			return nil
		},
	}
	flush := &cobra.Command{
		Use:   "flush",
		Short: "Flush the OS resolver cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().DNSFlush(); err != nil {
				return err
			}
			fmt.Println("dns cache flushed")
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the DNS override state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client().DNSStatus()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	cmd.AddCommand(set, revert, flush, status)
	return cmd
}

func newTunCmd(client func() *Client) *cobra.Command {
	var stack, device string
	var disable bool
	cmd := &cobra.Command{
		Use:   "tun",
		Short: "Toggle the worker's tun mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client().UpdateTun(!disable, stack, device); err != nil {
				return err
			}
			if disable {
				fmt.Println("tun mode disabled")
			} else {
				fmt.Println("tun mode enabled")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&disable, "off", false, "disable tun mode")
	cmd.Flags().StringVar(&stack, "stack", "", "tun stack (system, gvisor, mixed)")
	cmd.Flags().StringVar(&device, "device", "", "tun device name")
	return cmd
}

func newProbeCmd(client func() *Client) *cobra.Command {
	var port int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <host>",
		Short: "Test TCP connectivity to an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Probe(args[0], port, timeout)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&port, "port", 443, "port to probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "dial timeout")
	return cmd
}

func newPortsCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List local TCP ports in use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := client().UsedPorts()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"ports": ports})
		},
	}
}
