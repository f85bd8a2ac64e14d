package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// api is the HTTP API client, initialized in PersistentPreRunE.
	api *Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the HTTP API.
	serverAddr string
)

// rootCmd is the top-level cobra command for telehubctl.
var rootCmd = &cobra.Command{
	Use:   "telehubctl",
	Short: "CLI client for the telehub daemon",
	Long:  "telehubctl communicates with the telehub daemon via its HTTP API to inspect channels and dispatch device commands.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		api = NewClient("http://" + serverAddr)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"telehub daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
