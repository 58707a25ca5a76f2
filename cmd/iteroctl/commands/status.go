package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	MAC string `json:"mac"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's own MAC address",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp statusResponse
			if err := getJSON("/status", &resp); err != nil {
				return err
			}
			fmt.Printf("mac: %s\n", resp.MAC)
			return nil
		},
	}
}

type devicesResponse struct {
	Connected []string `json:"connected"`
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List currently connected peers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp devicesResponse
			if err := getJSON("/devices", &resp); err != nil {
				return err
			}
			if len(resp.Connected) == 0 {
				fmt.Println("(no connected peers)")
				return nil
			}
			for _, mac := range resp.Connected {
				fmt.Println(mac)
			}
			return nil
		},
	}
}
