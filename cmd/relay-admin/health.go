// ABOUTME: relay-admin health queries a worker's readiness endpoint
// ABOUTME: Exits non-zero unless at least one queue consumer is connected

package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newHealthCmd(a *app) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether a worker is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				if cfg.Server.HTTPAddr == "" {
					return fmt.Errorf("server.http_addr is not configured; pass --url")
				}
				baseURL = "http://" + cfg.Server.HTTPAddr
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/health/ready", nil)
			if err != nil {
				return err
			}
			resp, err := a.deps.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("contacting worker: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := strings.TrimSpace(string(body))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("not ready: %s", msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("✓"), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "worker base URL (default: http://<server.http_addr>)")
	return cmd
}
