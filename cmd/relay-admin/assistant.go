// ABOUTME: relay-admin assistant commands: show, create, verify and delete
// ABOUTME: Operate on the assistant id cached for the relay's workers

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chat-relay/internal/assistant"
	"github.com/2389/chat-relay/internal/provider"
)

func newAssistantCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistant",
		Short: "Manage the relay's assistant",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the cached assistant id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, cleanup, err := a.assistants()
				if err != nil {
					return err
				}
				defer cleanup()

				id, err := m.Current(cmd.Context())
				if errors.Is(err, assistant.ErrNoAssistant) {
					fmt.Fprintln(cmd.OutOrStdout(), "No assistant cached. Workers create one on startup.")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "create",
			Short: "Create a new assistant and make it current",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, cleanup, err := a.assistants()
				if err != nil {
					return err
				}
				defer cleanup()

				id, err := m.Create(cmd.Context())
				if err != nil {
					return fmt.Errorf("creating assistant: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Created assistant %s\n", color.GreenString("✓"), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check that the cached assistant still exists at the provider",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, cleanup, err := a.assistants()
				if err != nil {
					return err
				}
				defer cleanup()

				asst, err := m.Verify(cmd.Context())
				if errors.Is(err, provider.ErrNotFound) {
					return fmt.Errorf("cached assistant no longer exists; run 'relay-admin assistant create'")
				}
				if err != nil {
					return err
				}
				printAssistant(cmd, asst)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the cached assistant from the provider and the cache",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, cleanup, err := a.assistants()
				if err != nil {
					return err
				}
				defer cleanup()

				id, err := m.Delete(cmd.Context())
				if err != nil {
					return fmt.Errorf("deleting assistant: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted assistant %s\n", color.GreenString("✓"), id)
				return nil
			},
		},
	)
	return cmd
}

func printAssistant(cmd *cobra.Command, asst *provider.Assistant) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:       %s\n", asst.ID)
	fmt.Fprintf(out, "Name:     %s\n", asst.Name)
	fmt.Fprintf(out, "Model:    %s\n", asst.Model)
	if asst.CreatedAt > 0 {
		fmt.Fprintf(out, "Created:  %s\n", time.Unix(asst.CreatedAt, 0).UTC().Format(time.RFC3339))
	}
}
