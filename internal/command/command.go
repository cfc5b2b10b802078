// Package command turns transcripts into structured editor commands.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Action is one of the editor verbs a voice command can carry.
type Action string

const (
	ActionGenerate         Action = "generate"
	ActionEdit             Action = "edit"
	ActionFilter           Action = "filter"
	ActionAdjust           Action = "adjust"
	ActionCrop             Action = "crop"
	ActionRotate           Action = "rotate"
	ActionFlip             Action = "flip"
	ActionRemoveBackground Action = "remove_background"
	ActionInpaint          Action = "inpaint"
	ActionEnhance          Action = "enhance"
	ActionSave             Action = "save"
	ActionExport           Action = "export"
	ActionUndo             Action = "undo"
	ActionRedo             Action = "redo"
	ActionZoom             Action = "zoom"
	ActionWebcam           Action = "webcam"
	ActionUpload           Action = "upload"
	ActionClear            Action = "clear"
	ActionHelp             Action = "help"
)

// Actions lists the vocabulary in the order it is presented to models.
var Actions = []Action{
	ActionGenerate, ActionEdit, ActionFilter, ActionAdjust, ActionCrop,
	ActionRotate, ActionFlip, ActionRemoveBackground, ActionInpaint,
	ActionEnhance, ActionSave, ActionExport, ActionUndo, ActionRedo,
	ActionZoom, ActionWebcam, ActionUpload, ActionClear, ActionHelp,
}

func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ActionNames returns the vocabulary as strings.
func ActionNames() []string {
	out := make([]string, len(Actions))
	for i, a := range Actions {
		out[i] = string(a)
	}
	return out
}

// Source records which interpreter path produced a command.
type Source string

const (
	SourceModel    Source = "model"
	SourceKeywords Source = "keywords"
	SourceRealtime Source = "realtime"
	SourceManual   Source = "manual"
)

// Command is a structured intent. Confidence is feedback only and never gates
// execution.
type Command struct {
	Action     Action         `json:"action" validate:"required,voice_action"`
	Target     string         `json:"target,omitempty" validate:"omitempty,max=200"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1"`
	CreatedAt  time.Time      `json:"created_at"`
	Source     Source         `json:"source,omitempty"`
}

// Param returns a parameter as a string.
func (c Command) Param(key string) string {
	v, ok := c.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	if n, ok := jsoniter.CastJsonNumber(v); ok {
		return n
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Number returns a numeric parameter regardless of whether it arrived as an
// int, a float or a numeric string.
func (c Command) Number(key string) (float64, bool) {
	v, ok := c.Parameters[key]
	if !ok {
		return 0, false
	}
	if n, ok := jsoniter.CastJsonNumber(v); ok {
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ValidationError is the failure half of Decode's tagged result.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid command: " + e.Reason
	}
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("voice_action", func(fl validator.FieldLevel) bool {
		return Action(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks a command built in code.
func (c Command) Validate() error {
	if err := validate.Struct(c); err != nil {
		return toValidationError(err)
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return &ValidationError{Field: field, Reason: "is required"}
		case "voice_action":
			return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a recognized action", fe.Value())}
		default:
			return &ValidationError{Field: field, Reason: "failed " + fe.Tag() + " check"}
		}
	}
	return &ValidationError{Reason: err.Error()}
}

// wireCommand is the JSON shape models return. Pointers distinguish missing
// fields from zero values.
type wireCommand struct {
	Action     *string          `json:"action"`
	Target     *string          `json:"target"`
	Parameters map[string]any   `json:"parameters"`
	Confidence *jsoniter.Number `json:"confidence"`
}

// Decode parses a model response into a validated command. The error is
// always a *ValidationError.
func Decode(raw []byte, now time.Time) (Command, error) {
	body := strings.TrimSpace(string(raw))
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return Command{}, &ValidationError{Reason: "empty response"}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var w wireCommand
	if err := dec.Decode(&w); err != nil {
		return Command{}, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if w.Action == nil || strings.TrimSpace(*w.Action) == "" {
		return Command{}, &ValidationError{Field: "action", Reason: "is required"}
	}
	if w.Confidence == nil {
		return Command{}, &ValidationError{Field: "confidence", Reason: "is required"}
	}
	conf, err := w.Confidence.Float64()
	if err != nil {
		return Command{}, &ValidationError{Field: "confidence", Reason: "must be numeric"}
	}

	cmd := Command{
		Action:     Action(strings.ToLower(strings.TrimSpace(*w.Action))),
		Parameters: normalizeParams(w.Parameters),
		Confidence: conf,
		CreatedAt:  now,
		Source:     SourceModel,
	}
	if w.Target != nil {
		cmd.Target = strings.TrimSpace(*w.Target)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// normalizeParams turns decoded JSON numbers into float64 so downstream code
// sees one numeric type.
func normalizeParams(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if n, ok := jsoniter.CastJsonNumber(v); ok {
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				out[k] = f
				continue
			}
		}
		out[k] = v
	}
	return out
}
