// ABOUTME: Entry point for the chat-relay worker
// ABOUTME: Consumes chat work items and streams assistant replies to socket channels

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/chat-relay/internal/config"
	"github.com/2389/chat-relay/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _                   _
   ___| |__   __ _| |_      _ __ ___| | __ _ _   _
  / __| '_ \ / _' | __|____| '__/ _ \ |/ _' | | | |
 | (__| | | | (_| | ||_____| | |  __/ | (_| | |_| |
  \___|_| |_|\__,_|\__|    |_|  \___|_|\__,_|\__, |
                                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chat-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start consuming work items")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check worker readiness")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadEnvFile(os.Getenv("RELAY_ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx, os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Queue:     %s (%d workers)\n", cfg.Queue.Name, cfg.Queue.Workers)
	green.Print("    ▶ ")
	if cfg.Socket.Serve {
		fmt.Printf("Socket:    serving %s\n", cfg.Socket.Path)
	} else {
		fmt.Printf("Socket:    %s\n", cfg.Socket.URL)
	}
	green.Print("    ▶ ")
	if cfg.Cache.URL != "" {
		fmt.Printf("Cache:     redis\n")
	} else {
		fmt.Printf("Cache:     memory")
		yellow.Print(" (sessions are lost on restart)")
		fmt.Println()
	}
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	fmt.Println()

	logger.Info("starting chat-relay",
		"config", configPath,
		"environment", cfg.Environment,
		"queue", cfg.Queue.Name,
		"workers", cfg.Queue.Workers,
	)

	r, err := relay.New(cfg, relay.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return r.Run(ctx)
}

func runHealth(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}
	return checkReady(ctx, "http://"+cfg.Server.HTTPAddr, out)
}

// checkReady calls the readiness endpoint under baseURL.
func checkReady(ctx context.Context, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

// initAnswers holds what runInit collected.
type initAnswers struct {
	QueueURL  string
	QueueName string
	SocketURL string
	Serve     bool
	CacheURL  string
	HTTPAddr  string
	DBPath    string
	LogLevel  string
	LogFormat string
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "chat-relay configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Queue ---")
	a.QueueURL = prompt(reader, out, "RabbitMQ URL", config.DefaultQueueURL)
	a.QueueName = prompt(reader, out, "Queue name", config.DefaultQueueName)

	fmt.Fprintln(out, "\n--- Socket ---")
	a.Serve = isYes(prompt(reader, out, "Serve the socket hub in-process?", "no"))
	if !a.Serve {
		a.SocketURL = prompt(reader, out, "WebSocket URL", config.DefaultSocketURL)
	}

	fmt.Fprintln(out, "\n--- Cache ---")
	a.CacheURL = prompt(reader, out, "Redis URL (leave empty for in-memory)", "")

	fmt.Fprintln(out, "\n--- Server ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.DBPath = prompt(reader, out, "Outcome ledger path (leave empty to disable)", defaultDBPath())

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may end up holding secrets once edited.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "Set OPENAI_API_KEY in the environment or a .env file, then start the worker:")
	fmt.Fprintln(out, "  chat-relay serve")
	return nil
}

// renderConfig produces the YAML written by init. The API key is left as an
// environment reference.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# chat-relay configuration\n")
	cfg.WriteString("# Generated by chat-relay init\n\n")

	cfg.WriteString("openai:\n")
	cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", config.DefaultModel))
	cfg.WriteString("\n")

	cfg.WriteString("queue:\n")
	cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", a.QueueURL))
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", a.QueueName))
	cfg.WriteString("  workers: 1\n")
	cfg.WriteString("\n")

	cfg.WriteString("socket:\n")
	if a.Serve {
		cfg.WriteString("  serve: true\n")
		cfg.WriteString("  path: \"/ws\"\n")
	} else {
		cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", a.SocketURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("cache:\n")
	if a.CacheURL != "" {
		cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", a.CacheURL))
	}
	cfg.WriteString("  retention: \"2160h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  initial_timeout: \"45s\"\n")
	cfg.WriteString("  idle_timeout: \"60s\"\n")
	cfg.WriteString("  overall_timeout: \"90s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", a.HTTPAddr))
	cfg.WriteString("\n")

	if a.DBPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", a.DBPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", a.LogFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

// defaultDBPath returns XDG_DATA_HOME/chat-relay/relay.db or its ~/.local/share fallback.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("data", "relay.db")
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "chat-relay", "relay.db")
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
