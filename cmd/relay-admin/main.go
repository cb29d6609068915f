// ABOUTME: Admin CLI for chat-relay assistants, sessions and work items
// ABOUTME: Talks to the cache, provider, broker and ledger using the worker's configuration

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chat-relay/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                             _           _
  _ __ ___| | __ _ _   _       __ _  __| |_ __ ___ (_)_ __
 | '__/ _ \ |/ _' | | | |____ / _' |/ _' | '_ ' _ \| | '_ \
 | | |  __/ | (_| | |_| |____| (_| | (_| | | | | | | | | | |
 |_|  \___|_|\__,_|\__, |     \__,_|\__,_|_| |_| |_|_|_| |_|
                   |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadEnvFile(os.Getenv("RELAY_ENV_FILE")); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(newApp(defaultDeps())).ExecuteContext(ctx); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "relay-admin",
		Short:         "Administer a chat-relay deployment",
		Long:          "relay-admin manages the relay's assistant, inspects and expires channel sessions, publishes test work items and reads the outcome ledger.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if a.verbose {
				cyan := color.New(color.FgCyan)
				cyan.Fprint(cmd.ErrOrStderr(), banner)
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $RELAY_CONFIG or ~/.config/chat-relay/relay.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "print the banner and extra detail")

	root.AddCommand(
		newAssistantCmd(a),
		newSessionsCmd(a),
		newChannelCmd(),
		newSendCmd(a),
		newHistoryCmd(a),
		newHealthCmd(a),
	)
	return root
}
