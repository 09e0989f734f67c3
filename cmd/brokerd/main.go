// Command brokerd runs the broker as a standalone TCP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "brokerd",
		Short: "In-memory message broker daemon",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, flags and env override)")

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
