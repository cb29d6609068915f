// ABOUTME: relay-admin sessions commands: list, show, expire and purge
// ABOUTME: Read and shorten the channel to session mappings held in the cache

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/2389/chat-relay/internal/session"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect and expire channel sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(a),
		newSessionsShowCmd(a),
		newSessionsExpireCmd(a),
		newSessionsPurgeCmd(a),
	)
	return cmd
}

func newSessionsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, cleanup, err := a.sessions()
			if err != nil {
				return err
			}
			defer cleanup()

			sessions, err := r.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}

			now := a.deps.now()
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"CHANNEL", "SESSION", "MESSAGES", "LAST ACTIVE", "EXPIRES IN"})
			for _, s := range sessions {
				t.AppendRow(table.Row{s.Channel, s.ID, s.MessageCount, ago(now, s.LastMessageAt), roundDuration(s.ExpiresIn)})
			}
			t.Render()
			return nil
		},
	}
}

func newSessionsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <channel>",
		Short: "Show the session bound to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, cleanup, err := a.sessions()
			if err != nil {
				return err
			}
			defer cleanup()

			s, err := r.Get(cmd.Context(), args[0])
			if errors.Is(err, session.ErrNotFound) {
				return fmt.Errorf("no session for channel %q", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			now := a.deps.now()
			fmt.Fprintf(out, "Channel:      %s\n", s.Channel)
			fmt.Fprintf(out, "Session:      %s\n", s.ID)
			fmt.Fprintf(out, "Messages:     %d\n", s.MessageCount)
			fmt.Fprintf(out, "Created:      %s\n", ago(now, s.CreatedAt))
			fmt.Fprintf(out, "Last active:  %s\n", ago(now, s.LastMessageAt))
			fmt.Fprintf(out, "Expires in:   %s\n", roundDuration(s.ExpiresIn))
			return nil
		},
	}
}

func newSessionsExpireCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "expire <channel>",
		Short: "Change the remaining retention of a channel's session",
		Long:  "Sets the session's remaining lifetime. A ttl of 0 removes it so the next message starts a new conversation.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, cleanup, err := a.sessions()
			if err != nil {
				return err
			}
			defer cleanup()

			ok, err := r.Expire(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no session for channel %q", args[0])
			}
			if ttl <= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Expired session for %s\n", color.GreenString("✓"), args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Session for %s now expires in %s\n", color.GreenString("✓"), args[0], ttl)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "remaining lifetime (0 expires immediately)")
	return cmd
}

func newSessionsPurgeCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [channel]",
		Short: "Delete one channel's session, or every session with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a channel or --all")
			}

			r, cleanup, err := a.sessions()
			if err != nil {
				return err
			}
			defer cleanup()

			if all {
				n, err := r.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Purged %d sessions\n", color.GreenString("✓"), n)
				return nil
			}

			if err := r.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted session for %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every cached session")
	return cmd
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return roundDuration(d) + " ago"
}

func roundDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Minute:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Second).String()
	}
}
