package command

import (
	"strings"
	"time"
)

// ToolName is the function the realtime model calls to drive the editor.
const ToolName = "execute_image_command"

// toolConfidence is assigned to realtime tool calls, which carry no score.
const toolConfidence = 0.9

// ToolDefinition returns the function tool schema advertised in session.update.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        ToolName,
		"description": "Execute an image editing command on the user's canvas.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": ActionNames(),
				},
				"target":    map[string]any{"type": "string", "description": "What to act on, such as brightness or a filter name."},
				"value":     map[string]any{"type": "number", "description": "Signed amount for adjustments or an angle for rotation."},
				"direction": map[string]any{"type": "string", "description": "Direction for flip, zoom or rotation."},
				"prompt":    map[string]any{"type": "string", "description": "Description used for generation or editing."},
				"amount":    map[string]any{"type": "number", "description": "Strength in the range 0 to 100."},
			},
			"required": []string{"action"},
		},
	}
}

// FromToolArgs converts the JSON arguments of a realtime function call into a
// validated command.
func FromToolArgs(raw string, now time.Time) (Command, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return Command{}, &ValidationError{Reason: "malformed tool arguments: " + err.Error()}
	}
	action, _ := args["action"].(string)
	cmd := Command{
		Action:     Action(strings.ToLower(strings.TrimSpace(action))),
		Confidence: toolConfidence,
		CreatedAt:  now,
		Source:     SourceRealtime,
	}
	if target, ok := args["target"].(string); ok {
		cmd.Target = strings.TrimSpace(target)
	}

	params := make(map[string]any)
	for _, key := range []string{"value", "direction", "prompt", "amount"} {
		if v, ok := args[key]; ok && v != nil {
			params[key] = v
		}
	}
	params = normalizeParams(params)
	// Rotation reads the angle key; map a bare value onto it.
	if cmd.Action == ActionRotate {
		if v, ok := params["value"]; ok {
			params["angle"] = v
		}
	}
	if len(params) > 0 {
		cmd.Parameters = params
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
