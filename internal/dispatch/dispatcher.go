// Package dispatch maps voice commands onto editor operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
)

// Operations is the editor operation table supplied by the host. Any field
// may be nil; commands that need a nil operation are reported, not run.
type Operations struct {
	Generate         func(ctx context.Context, prompt string) error
	Edit             func(ctx context.Context, prompt string) error
	Adjust           func(ctx context.Context, target string, value float64) error
	ApplyFilter      func(ctx context.Context, name string) error
	Transform        func(ctx context.Context, kind string, params map[string]any) error
	RemoveBackground func(ctx context.Context) error
	CaptureWebcam    func(ctx context.Context) error
	StartWebcam      func(ctx context.Context) error
	Upload           func(ctx context.Context) error
	Save             func(ctx context.Context) error
	Export           func(ctx context.Context, format string) error
	Clear            func(ctx context.Context) error
	Undo             func(ctx context.Context) error
	Redo             func(ctx context.Context) error
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is user-visible feedback for one dispatch.
type Notification struct {
	Level      Level          `json:"level"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Action     command.Action `json:"action,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

type Notifier interface {
	Notify(n Notification)
}

// Speaker voices a short confirmation. Errors are logged only.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Outcome reports what a dispatch did.
type Outcome struct {
	Action   command.Action
	Executed bool
	Message  string
	Err      error
}

var errMissingPrompt = errors.New("no prompt given")

// LowConfidence is the score under which feedback flags a guess.
const LowConfidence = 0.7

// Dispatcher holds no mutable state; every call is independent.
type Dispatcher struct {
	ops      Operations
	notifier Notifier
	speaker  Speaker
	log      logrus.FieldLogger
}

func New(ops Operations, notifier Notifier, speaker Speaker, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{ops: ops, notifier: notifier, speaker: speaker, log: logging.Component(log, "dispatch")}
}

type handler func(ctx context.Context, ops Operations, cmd command.Command) (run func() error, confirm string)

// Dispatch runs the operation for cmd and emits exactly one notification.
// It never panics on a misrecognized command.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (out Outcome) {
	out.Action = cmd.Action
	defer func() {
		if r := recover(); r != nil {
			out.Executed = false
			out.Err = fmt.Errorf("operation %s panicked: %v", cmd.Action, r)
			out.Message = "Something went wrong while running " + string(cmd.Action) + "."
			d.log.WithField("action", cmd.Action).Errorf("operation panicked: %v", r)
			d.notify(Notification{Level: LevelError, Title: "Command failed", Message: out.Message, Action: cmd.Action})
		}
	}()

	if cmd.Action == command.ActionHelp {
		out.Executed = true
		out.Message = HelpText()
		d.notify(Notification{Level: LevelInfo, Title: "Voice commands", Message: out.Message, Action: cmd.Action, Confidence: cmd.Confidence})
		return out
	}

	h, ok := handlers[cmd.Action]
	var run func() error
	var confirm string
	if ok {
		run, confirm = h(ctx, d.ops, cmd)
	}
	if run == nil {
		out.Message = fmt.Sprintf("%q is not available right now.", string(cmd.Action))
		if !ok {
			out.Message = fmt.Sprintf("I don't know how to %q.", string(cmd.Action))
		}
		d.log.WithField("action", cmd.Action).Warn("no operation for command")
		d.notify(Notification{Level: LevelWarning, Title: "Command not supported", Message: out.Message, Action: cmd.Action, Confidence: cmd.Confidence})
		return out
	}

	if err := run(); err != nil {
		out.Err = err
		out.Message = fmt.Sprintf("Could not %s: %v", describe(cmd.Action), err)
		d.log.WithError(err).WithField("action", cmd.Action).Warn("operation failed")
		d.notify(Notification{Level: LevelError, Title: "Command failed", Message: out.Message, Action: cmd.Action, Confidence: cmd.Confidence})
		return out
	}

	out.Executed = true
	out.Message = confirm
	msg := confirm
	if cmd.Confidence < LowConfidence {
		msg += fmt.Sprintf(" (interpreted with %.0f%% confidence)", cmd.Confidence*100)
	}
	d.notify(Notification{Level: LevelInfo, Title: "Voice command", Message: msg, Action: cmd.Action, Confidence: cmd.Confidence})
	if d.speaker != nil {
		if err := d.speaker.Speak(ctx, confirm); err != nil {
			d.log.WithError(err).Debug("spoken confirmation failed")
		}
	}
	return out
}

func (d *Dispatcher) notify(n Notification) {
	if d.notifier != nil {
		d.notifier.Notify(n)
	}
}

// ExecuteTool runs a realtime tool call and returns the text fed back to the
// model.
func (d *Dispatcher) ExecuteTool(ctx context.Context, cmd command.Command) (string, error) {
	out := d.Dispatch(ctx, cmd)
	if out.Err != nil {
		return out.Message, out.Err
	}
	return out.Message, nil
}

var handlers = map[command.Action]handler{
	command.ActionGenerate: func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if ops.Generate == nil {
			return nil, ""
		}
		prompt := promptOf(cmd)
		if prompt == "" {
			return func() error { return errMissingPrompt }, ""
		}
		return func() error { return ops.Generate(ctx, prompt) }, "Generating " + prompt + "."
	},
	command.ActionEdit:    editHandler,
	command.ActionInpaint: editHandler,
	command.ActionAdjust: func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if ops.Adjust == nil {
			return nil, ""
		}
		target := cmd.Target
		if target == "" {
			target = cmd.Param("target")
		}
		if target == "" {
			target = "brightness"
		}
		value, ok := cmd.Number("value")
		if !ok {
			value, _ = cmd.Number("amount")
		}
		verb := "Increased"
		if value < 0 {
			verb = "Decreased"
		}
		return func() error { return ops.Adjust(ctx, target, value) }, fmt.Sprintf("%s %s.", verb, target)
	},
	command.ActionFilter: func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if ops.ApplyFilter == nil {
			return nil, ""
		}
		name := cmd.Param("filter")
		if name == "" {
			name = cmd.Target
		}
		if name == "" {
			return func() error { return errors.New("no filter named") }, ""
		}
		return func() error { return ops.ApplyFilter(ctx, name) }, "Applied " + name + " filter."
	},
	command.ActionEnhance: func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if ops.ApplyFilter == nil {
			return nil, ""
		}
		return func() error { return ops.ApplyFilter(ctx, "enhance") }, "Enhanced the image."
	},
	command.ActionRotate: transformHandler("rotate"),
	command.ActionFlip:   transformHandler("flip"),
	command.ActionCrop:   transformHandler("crop"),
	command.ActionZoom:   transformHandler("zoom"),
	command.ActionRemoveBackground: func(ctx context.Context, ops Operations, _ command.Command) (func() error, string) {
		if ops.RemoveBackground == nil {
			return nil, ""
		}
		return func() error { return ops.RemoveBackground(ctx) }, "Removing the background."
	},
	command.ActionWebcam: func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if cmd.Param("mode") == "capture" {
			if ops.CaptureWebcam == nil {
				return nil, ""
			}
			return func() error { return ops.CaptureWebcam(ctx) }, "Captured a photo."
		}
		if ops.StartWebcam == nil {
			return nil, ""
		}
		return func() error { return ops.StartWebcam(ctx) }, "Webcam started."
	},
	command.ActionUpload: simple(func(o Operations) func(context.Context) error { return o.Upload }, "Choose an image to upload."),
	command.ActionSave:   simple(func(o Operations) func(context.Context) error { return o.Save }, "Saved."),
	command.ActionClear:  simple(func(o Operations) func(context.Context) error { return o.Clear }, "Canvas cleared."),
	command.ActionUndo:   simple(func(o Operations) func(context.Context) error { return o.Undo }, "Undone."),
	command.ActionRedo:   simple(func(o Operations) func(context.Context) error { return o.Redo }, "Redone."),
	command.ActionExport: func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if ops.Export == nil {
			return nil, ""
		}
		format := strings.ToLower(cmd.Param("format"))
		if format == "" {
			format = "png"
		}
		return func() error { return ops.Export(ctx, format) }, "Exported as " + strings.ToUpper(format) + "."
	},
}

func editHandler(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
	if ops.Edit == nil {
		return nil, ""
	}
	prompt := promptOf(cmd)
	if prompt == "" {
		return func() error { return errMissingPrompt }, ""
	}
	return func() error { return ops.Edit(ctx, prompt) }, "Editing: " + prompt + "."
}

func transformHandler(kind string) handler {
	return func(ctx context.Context, ops Operations, cmd command.Command) (func() error, string) {
		if ops.Transform == nil {
			return nil, ""
		}
		params := make(map[string]any, len(cmd.Parameters)+1)
		for k, v := range cmd.Parameters {
			params[k] = v
		}
		if cmd.Target != "" {
			params["target"] = cmd.Target
		}
		confirm := "Done: " + kind + "."
		switch kind {
		case "rotate":
			angle, ok := cmd.Number("angle")
			if !ok {
				angle = 90
				params["angle"] = 90
			}
			confirm = fmt.Sprintf("Rotated %.0f degrees.", angle)
		case "flip":
			dir := cmd.Param("direction")
			if dir == "" {
				dir = "horizontal"
				params["direction"] = dir
			}
			confirm = "Flipped " + dir + "ly."
		case "zoom":
			confirm = "Zoomed."
			if dir := strings.TrimSpace(cmd.Param("direction")); dir != "" {
				confirm = "Zoomed " + dir + "."
			}
		}
		return func() error { return ops.Transform(ctx, kind, params) }, confirm
	}
}

func simple(pick func(Operations) func(context.Context) error, confirm string) handler {
	return func(ctx context.Context, ops Operations, _ command.Command) (func() error, string) {
		fn := pick(ops)
		if fn == nil {
			return nil, ""
		}
		return func() error { return fn(ctx) }, confirm
	}
}

func promptOf(cmd command.Command) string {
	if p := strings.TrimSpace(cmd.Param("prompt")); p != "" {
		return p
	}
	return strings.TrimSpace(cmd.Target)
}

func describe(a command.Action) string {
	return strings.ReplaceAll(string(a), "_", " ")
}

// HelpText lists what can be said.
func HelpText() string {
	return strings.Join([]string{
		`"Generate a sunset over the sea"`,
		`"Make it brighter" or "much darker"`,
		`"More contrast"`,
		`"Black and white", "sepia", "blur"`,
		`"Remove the background"`,
		`"Rotate 180", "flip it"`,
		`"Take a photo", "upload an image"`,
		`"Undo", "redo", "save", "export as JPEG", "clear"`,
	}, ", ")
}
