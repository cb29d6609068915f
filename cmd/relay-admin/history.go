// ABOUTME: relay-admin history reads the work item outcome ledger
// ABOUTME: Prints recent outcomes as a table, or aggregate stats with --stats

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/2389/chat-relay/internal/store"
)

type historyOptions struct {
	channel string
	status  string
	since   time.Duration
	limit   int
	stats   bool
}

func newHistoryCmd(a *app) *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent work item outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.status {
			case "", store.StatusCompleted, store.StatusError, store.StatusRejected:
			default:
				return fmt.Errorf("unknown status %q (want completed, error or rejected)", opts.status)
			}

			ledger, err := a.ledger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			filter := store.OutcomeFilter{Channel: opts.channel, Status: opts.status}
			if opts.since > 0 {
				since := a.deps.now().Add(-opts.since)
				filter.Since = &since
			}

			if opts.stats {
				stats, err := ledger.OutcomeStats(cmd.Context(), filter)
				if err != nil {
					return err
				}
				printStats(cmd, stats)
				return nil
			}

			filter.Limit = opts.limit
			outcomes, err := ledger.ListOutcomes(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(outcomes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No outcomes recorded.")
				return nil
			}
			printOutcomes(cmd, outcomes)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.channel, "channel", "C", "", "only this channel")
	f.StringVar(&opts.status, "status", "", "only this status: completed, error or rejected")
	f.DurationVar(&opts.since, "since", 0, "only outcomes newer than this (e.g. 1h)")
	f.IntVarP(&opts.limit, "limit", "n", 20, "maximum rows")
	f.BoolVar(&opts.stats, "stats", false, "print totals instead of rows")
	return cmd
}

func printOutcomes(cmd *cobra.Command, outcomes []*store.Outcome) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"WHEN", "CHANNEL", "MESSAGE", "STATUS", "REASON", "FRAMES", "TOOLS", "TOKENS", "DURATION"})
	for _, o := range outcomes {
		t.AppendRow(table.Row{
			o.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			o.Channel,
			o.MessageID,
			o.Status,
			o.Reason,
			o.Frames,
			strings.Join(o.Tools, ","),
			o.PromptTokens + o.CompletionTokens,
			o.Duration.Round(time.Millisecond),
		})
	}
	t.Render()
}

func printStats(cmd *cobra.Command, s *store.OutcomeStats) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Total", s.Total},
		{"Completed", s.Completed},
		{"Errored", s.Errored},
		{"Rejected", s.Rejected},
		{"Prompt tokens", s.PromptTokens},
		{"Completion tokens", s.CompletionTokens},
		{"Avg duration", s.AvgDuration.Round(time.Millisecond)},
	})

	reasons := make([]string, 0, len(s.ByReason))
	for r := range s.ByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	if len(reasons) > 0 {
		t.AppendSeparator()
		for _, r := range reasons {
			t.AppendRow(table.Row{"reason: " + r, s.ByReason[r]})
		}
	}
	t.Render()
}
