// Package commands implements the iteroctl subcommand tree: a thin HTTP
// client for the itero daemon's admin API, modeled on gobfdctl's
// cobra-based CLI but talking JSON-over-HTTP instead of ConnectRPC.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient issues every admin API request.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// serverAddr is the daemon's admin API address (host:port).
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "iteroctl",
	Short: "CLI client for the itero mesh daemon",
	Long:  "iteroctl communicates with the itero daemon's admin API to manage mesh peers.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7780",
		"itero daemon admin API address (host:port)")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(disconnectCmd())
	rootCmd.AddCommand(forceDisconnectCmd())
	rootCmd.AddCommand(writeCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func baseURL() string {
	return "http://" + serverAddr
}
