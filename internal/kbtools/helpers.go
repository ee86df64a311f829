// Package kbtools provides the MCP tool handlers that expose the knowledge
// base engine.
//
// Each tool handler follows the same pattern:
// - A struct with dependencies injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() verifies the principal token, runs the operation, and returns
//   a structured JSON envelope
//
// Domain failures travel inside the envelope with success=false; a non-nil
// Go error is reserved for transport-level problems.
package kbtools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/kb"
)

// envelope is the uniform tool response shape.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Count   *int           `json:"count,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// okResult wraps data in a success envelope.
func okResult(data any) (*mcp.CallToolResult, error) {
	return marshalEnvelope(envelope{Success: true, Data: data})
}

// okCountResult wraps data plus a total count in a success envelope.
func okCountResult(data any, count int) (*mcp.CallToolResult, error) {
	return marshalEnvelope(envelope{Success: true, Data: data, Count: &count})
}

// errResult maps a domain error into a failure envelope. The envelope keeps
// the machine-readable code and status alongside the human-readable message
// and hint.
func errResult(err error) (*mcp.CallToolResult, error) {
	return marshalEnvelope(envelope{
		Success: false,
		Error: &envelopeError{
			Code:    kb.Code(err),
			Message: err.Error(),
			Status:  kb.Status(err),
			Hint:    kb.Hint(err),
			Details: kb.Details(err),
		},
	})
}

func marshalEnvelope(env envelope) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// resolvePrincipal verifies the principal_token argument and loads the
// caller's principal. Every tool call re-verifies; no session state is kept.
func resolvePrincipal(ctx context.Context, verifier *auth.Verifier, req mcp.CallToolRequest) (*kb.Principal, error) {
	return verifier.Verify(ctx, req.GetString("principal_token", ""))
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing (JSON numbers arrive as float64; string numbers are tolerated).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key]
	if !ok {
		return defaultVal
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// boolArg extracts a boolean argument.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key]
	if !ok {
		return defaultVal
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// mapArg extracts an object argument.
func mapArg(req mcp.CallToolRequest, key string) map[string]any {
	v, ok := req.GetArguments()[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

// stringSliceArg extracts an array-of-strings argument.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	v, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return out
}

// itemsArg extracts an array-of-objects argument for batch calls.
func itemsArg(req mcp.CallToolRequest, key string) []map[string]any {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}
