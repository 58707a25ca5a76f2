package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

type writeRequest struct {
	MAC  string `json:"mac"`
	Data string `json:"data"`
}

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <mac> <data>",
		Short: "Send a unicast message to a connected peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req := writeRequest{
				MAC:  args[0],
				Data: base64.StdEncoding.EncodeToString([]byte(args[1])),
			}
			if err := postJSON("/write", req); err != nil {
				return err
			}
			fmt.Printf("write queued to %s\n", args[0])
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Broadcast the daemon's ping data to the mesh",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := postJSON("/ping", nil); err != nil {
				return err
			}
			fmt.Println("ping broadcast")
			return nil
		},
	}
}
