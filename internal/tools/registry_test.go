// ABOUTME: Tests for the tool registry
// ABOUTME: Covers registration, definitions ordering, execution and error fallbacks

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its input",
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(nil)

	assert.Error(t, r.Register(Tool{Handler: echoTool("x").Handler}))
	assert.Error(t, r.Register(Tool{Name: "nohandler"}))
	assert.NoError(t, r.Register(echoTool("echo")))
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("zeta")))
	require.NoError(t, r.Register(Tool{
		Name:       "alpha",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
		Handler:    echoTool("alpha").Handler,
	}))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
	assert.Equal(t, "object", defs[1].Parameters["type"], "missing schema defaults to an empty object")
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("echo")))

	assert.Equal(t, `{"a":1}`, r.Execute(t.Context(), "echo", `{"a":1}`))
	assert.Equal(t, `{}`, r.Execute(t.Context(), "echo", ""))
	assert.Equal(t, msgToolInvalid, r.Execute(t.Context(), "echo", "{broken"))
	assert.Equal(t, msgToolUnknown, r.Execute(t.Context(), "missing", "{}"))
}

func TestRegistry_ExecuteFallbacks(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("database connection refused"), msgToolDatabase},
		{errors.New("record not found"), msgToolNotFound},
		{errors.New("invalid city"), msgToolInvalid},
		{errors.New("boom"), msgToolFailed},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := NewRegistry(nil)
			require.NoError(t, r.Register(Tool{
				Name: "failing",
				Handler: func(context.Context, json.RawMessage) (string, error) {
					return "", tt.err
				},
			}))
			assert.Equal(t, tt.want, r.Execute(t.Context(), "failing", "{}"))
		})
	}
}

func TestRegistry_ReplaceAndUnregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("tool")))
	require.NoError(t, r.Register(Tool{
		Name:    "tool",
		Handler: func(context.Context, json.RawMessage) (string, error) { return "second", nil },
	}))

	assert.Equal(t, "second", r.Execute(t.Context(), "tool", "{}"))
	assert.True(t, r.Unregister("tool"))
	assert.False(t, r.Unregister("tool"))
	assert.Empty(t, r.Definitions())
}
