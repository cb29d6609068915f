// ABOUTME: relay-admin channel commands
// ABOUTME: channel new prints a fresh identifier for a conversation channel

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Channel helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Print a new channel identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
			return nil
		},
	})
	return cmd
}
