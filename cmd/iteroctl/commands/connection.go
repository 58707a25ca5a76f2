package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <mac>",
		Short: "Initiate a session with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := postJSON("/connect", macRequest{MAC: args[0]}); err != nil {
				return err
			}
			fmt.Printf("connect requested: %s\n", args[0])
			return nil
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <mac>",
		Short: "Gracefully tear down a session with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := postJSON("/disconnect", macRequest{MAC: args[0]}); err != nil {
				return err
			}
			fmt.Printf("disconnect requested: %s\n", args[0])
			return nil
		},
	}
}

func forceDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-disconnect <mac>",
		Short: "Remove a peer's session without notifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := postJSON("/force-disconnect", macRequest{MAC: args[0]}); err != nil {
				return err
			}
			fmt.Printf("force-disconnected: %s\n", args[0])
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Wipe all peer and persistence state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := postJSON("/reset", nil); err != nil {
				return err
			}
			fmt.Println("connection data reset")
			return nil
		},
	}
}
