package command

import (
	"fmt"
	"strings"
)

// SystemPrompt is the fixed instruction both model classifiers use.
func SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You convert spoken requests for an AI image editor into one JSON command.\n")
	b.WriteString("Return ONLY a JSON object with this shape:\n")
	b.WriteString(`{"action": string, "target": string (optional), "parameters": object (optional), "confidence": number between 0 and 1}`)
	b.WriteString("\n\nAllowed actions: ")
	b.WriteString(strings.Join(ActionNames(), ", "))
	b.WriteString(".\n\nRules:\n")
	b.WriteString("- generate: parameters.prompt is the full image description.\n")
	b.WriteString("- edit / inpaint: parameters.prompt describes the change.\n")
	b.WriteString("- adjust: target is brightness, contrast, saturation or hue; parameters.value is a signed amount from -100 to 100.\n")
	b.WriteString("- filter: target is the filter name (grayscale, sepia, vintage, blur, sharpen, invert, warm, cool, vibrant).\n")
	b.WriteString("- rotate: parameters.angle in degrees (90, 180, 270 or 45).\n")
	b.WriteString("- flip: parameters.direction is horizontal or vertical.\n")
	b.WriteString("- zoom: parameters.direction is in or out.\n")
	b.WriteString("- export: parameters.format is png, jpeg or webp when mentioned.\n")
	b.WriteString("- webcam: parameters.mode is start or capture.\n")
	b.WriteString("- Use lower confidence when the request is ambiguous.\n\nExamples:\n")
	for _, ex := range fewShot {
		fmt.Fprintf(&b, "User: %q\nAssistant: %s\n", ex.input, ex.output)
	}
	return b.String()
}

var fewShot = []struct {
	input  string
	output string
}{
	{"make it brighter", `{"action":"adjust","target":"brightness","parameters":{"value":20},"confidence":0.95}`},
	{"generate a sunset over the ocean", `{"action":"generate","parameters":{"prompt":"a sunset over the ocean"},"confidence":0.95}`},
	{"turn it black and white", `{"action":"filter","target":"grayscale","parameters":{"filter":"grayscale"},"confidence":0.9}`},
	{"take a photo", `{"action":"webcam","parameters":{"mode":"capture"},"confidence":0.9}`},
	{"rotate it to the left", `{"action":"rotate","parameters":{"angle":270},"confidence":0.9}`},
	{"get rid of the background", `{"action":"remove_background","target":"background","confidence":0.9}`},
	{"export as jpeg", `{"action":"export","parameters":{"format":"jpeg"},"confidence":0.95}`},
}

// userPrompt folds recent conversation context into the user message.
func userPrompt(transcript string, history []string) string {
	if len(history) == 0 {
		return transcript
	}
	var b strings.Builder
	b.WriteString("Recent requests (oldest first):\n")
	for _, h := range history {
		if h = strings.TrimSpace(h); h != "" {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	b.WriteString("\nCurrent request: ")
	b.WriteString(transcript)
	return b.String()
}
