package tools

import (
	"context"

	"github.com/MrWong99/alicevoice/internal/smarthome"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
)

// WebSearchName is the name of the search tool.
const WebSearchName = "web_search"

// WebSearchArgs are the arguments of [WebSearchName].
type WebSearchArgs struct {
	Query string `json:"query"`
}

// WebSearch returns the search tool. Actual grounding happens server side
// through the model's built-in search; the tool only acknowledges the query.
func WebSearch() Tool {
	return Tool{
		Definition: s2s.ToolDefinition{
			Name:        WebSearchName,
			Description: "Söker på webben efter information.",
			Parameters: objectSchema([]string{"query"}, map[string]map[string]any{
				"query": prop("STRING", "Sökfrågan"),
			}),
		},
		Handler: Typed(func(_ context.Context, a WebSearchArgs) (string, error) {
			return "Söker efter: " + a.Query, nil
		}),
	}
}

// Defaults returns the standard tool table: device control through c and
// web search.
func Defaults(c smarthome.Controller) []Tool {
	return []Tool{SmartHome(c), WebSearch()}
}

// ResultMessage formats a tool result as the text turn sent back to the
// model.
func ResultMessage(name, result string) string {
	return "Verktygsresultat för " + name + ": " + result
}
