// Command agent runs the risky-proxmox-agent control daemon: the HTTP
// request surface, the launch/shutdown coordinators, and (optionally)
// the fallback watchdog.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "risky-proxmox-agent control daemon",
		Long:  "Mediate a web UI and the Proxmox VE REST API to serialize VM launch, shutdown and fork requests on a single hypervisor node.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to an optional YAML config file")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
