// Package tools implements the tool dispatcher: a closed table of named tools,
// each decoding its arguments into its own typed struct.
//
// Dispatch never fails. Every outcome, including unknown tool names, handler
// errors, panics and timeouts, is turned into a short Swedish status string
// that can be spoken back to the user.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
)

// Tool is one entry in the dispatch table.
type Tool struct {
	// Definition is the declaration offered to the remote model.
	Definition s2s.ToolDefinition

	// Handler executes the tool. A returned error is reported to the user as
	// a generic tool failure; domain failures the user should hear verbatim
	// are returned as the result string with a nil error. Handlers must
	// respect context cancellation.
	Handler func(ctx context.Context, args map[string]any) (string, error)
}

// Typed adapts fn to the generic handler signature by decoding the raw
// argument map into A.
func Typed[A any](fn func(ctx context.Context, args A) (string, error)) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, raw map[string]any) (string, error) {
		var a A
		if err := decodeArgs(raw, &a); err != nil {
			return "", err
		}
		return fn(ctx, a)
	}
}

// decodeArgs round-trips raw through JSON so that struct tags and numeric
// conversions apply exactly as they would for a wire payload.
func decodeArgs(raw map[string]any, dst any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("tools: encode args: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("tools: decode args: %w", err)
	}
	return nil
}

// objectSchema builds a JSON Schema object in the dialect the Live API
// accepts (upper-case type names).
func objectSchema(required []string, props map[string]map[string]any) map[string]any {
	return map[string]any{
		"type":       "OBJECT",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
