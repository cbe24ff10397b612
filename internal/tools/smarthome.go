package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/alicevoice/internal/smarthome"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
)

// SmartHomeName is the tool name the model uses to control devices.
const SmartHomeName = "control_smart_home"

// SmartHomeArgs are the arguments of [SmartHomeName].
type SmartHomeArgs struct {
	Device     string  `json:"device"`
	Action     string  `json:"action"`
	Brightness *int    `json:"brightness"`
	Color      *string `json:"color"`
}

// SmartHome returns the device control tool backed by c.
func SmartHome(c smarthome.Controller) Tool {
	return Tool{
		Definition: s2s.ToolDefinition{
			Name:        SmartHomeName,
			Description: "Styr smarta hem-enheter som lampor och uttag.",
			Parameters: objectSchema([]string{"device", "action"}, map[string]map[string]any{
				"device":     prop("STRING", "Enhetens namn eller IP"),
				"action":     prop("STRING", "turn_on, turn_off, eller set"),
				"brightness": prop("INTEGER", "Ljusstyrka 0-100"),
				"color":      prop("STRING", "Färgnamn som 'röd', 'blå', 'varm'"),
			}),
		},
		Handler: Typed(func(ctx context.Context, a SmartHomeArgs) (string, error) {
			action := a.Action
			if action == "" {
				action = smarthome.ActionTurnOn
			}
			resp, err := c.Control(ctx, smarthome.ControlRequest{
				Target:     a.Device,
				Action:     action,
				Brightness: a.Brightness,
				Color:      a.Color,
			})
			var se *smarthome.StatusError
			switch {
			case errors.As(err, &se):
				return "Kunde inte styra enheten: " + se.Body, nil
			case err != nil:
				return "", err
			case !resp.Success:
				return fmt.Sprintf("Kunde inte styra enheten: %s", a.Device), nil
			}
			done := a.Action
			if done == "" {
				done = "uppdaterats"
			}
			return "Klart! Enheten har " + done + ".", nil
		}),
	}
}
