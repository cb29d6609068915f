// ABOUTME: Registry of callable tools the assistant may invoke mid-run
// ABOUTME: Executes calls by name and turns failures into user-friendly tool output

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Handler runs a tool with its decoded JSON arguments and returns the output
// handed back to the model.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a named function the assistant can call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema object
	Handler     Handler
}

// Definition is the schema half of a Tool, as advertised to the provider.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Fallback messages returned to the model when a tool fails.
const (
	msgToolFailed   = "I had trouble retrieving the information you requested."
	msgToolDatabase = "I had trouble accessing the database right now. Please try again in a moment."
	msgToolNotFound = "I couldn't find the information you asked for."
	msgToolInvalid  = "The request to the tool was invalid. Please rephrase and try again."
	msgToolUnknown  = "That capability is not available right now."
)

// Registry holds the tools available to the assistant.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		r.logger.Warn("replacing registered tool", "tool", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Unregister removes a tool. It reports whether the tool was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Definitions returns the schema of every registered tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, Parameters: params})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool. It never fails: unknown tools and handler
// errors produce a fallback message the model can relay to the user.
func (r *Registry) Execute(ctx context.Context, name, arguments string) string {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("unknown tool requested", "tool", name)
		return msgToolUnknown
	}

	args := json.RawMessage(arguments)
	if strings.TrimSpace(arguments) == "" {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		r.logger.Warn("tool arguments are not valid JSON", "tool", name)
		return msgToolInvalid
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Error("tool execution failed", "tool", name, "error", err)
		return fallbackMessage(err)
	}
	return out
}

// fallbackMessage maps an error to a message safe to show the user.
func fallbackMessage(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database"):
		return msgToolDatabase
	case strings.Contains(msg, "not found"):
		return msgToolNotFound
	case strings.Contains(msg, "invalid"):
		return msgToolInvalid
	default:
		return msgToolFailed
	}
}
