package command

import (
	"regexp"
	"strings"
	"time"
)

// Confidence levels assigned by the keyword parser.
const (
	keywordConfidence  = 0.9
	keywordLoose       = 0.8
	defaultConfidence  = 0.6
	adjustStep         = 20
	adjustStrongerStep = 30
)

var (
	wordPattern      = regexp.MustCompile(`[a-z0-9]+`)
	generateLeadVerb = regexp.MustCompile(`(?i)^\s*(please\s+)?(generate|create|draw|paint|imagine)\s+(me\s+)?(an?\s+image\s+of\s+|a\s+picture\s+of\s+)?`)
	exportFormat     = regexp.MustCompile(`\b(png|jpe?g|webp|gif|tiff|bmp)\b`)
)

// namedFilters maps spoken filter names to canonical filter ids.
var namedFilters = []struct {
	phrases []string
	filter  string
}{
	{[]string{"black and white", "grayscale", "greyscale", "monochrome"}, "grayscale"},
	{[]string{"sepia"}, "sepia"},
	{[]string{"vintage", "retro"}, "vintage"},
	{[]string{"blur", "blurry"}, "blur"},
	{[]string{"sharpen", "sharper"}, "sharpen"},
	{[]string{"invert", "negative"}, "invert"},
	{[]string{"warm", "warmer"}, "warm"},
	{[]string{"cool", "cooler"}, "cool"},
	{[]string{"vibrant", "saturate", "saturation"}, "vibrant"},
}

type keywordText struct {
	raw   string
	lower string
	words map[string]bool
}

func newKeywordText(s string) keywordText {
	lower := strings.ToLower(strings.TrimSpace(s))
	words := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(lower, -1) {
		words[w] = true
	}
	return keywordText{raw: strings.TrimSpace(s), lower: lower, words: words}
}

func (k keywordText) anyWord(words ...string) bool {
	for _, w := range words {
		if k.words[w] {
			return true
		}
	}
	return false
}

func (k keywordText) anyPhrase(phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(p, " ") {
			if strings.Contains(k.lower, p) {
				return true
			}
			continue
		}
		if k.words[p] {
			return true
		}
	}
	return false
}

func (k keywordText) intensified() bool {
	return k.anyWord("much", "very")
}

// ParseKeywords classifies a transcript with fixed keyword rules. It returns
// nil only for blank input; anything unmatched becomes a generate command.
func ParseKeywords(transcript string, now time.Time) *Command {
	k := newKeywordText(transcript)
	if k.lower == "" {
		return nil
	}
	for _, rule := range keywordRules {
		if cmd := rule(k); cmd != nil {
			cmd.CreatedAt = now
			cmd.Source = SourceKeywords
			return cmd
		}
	}
	return &Command{
		Action:     ActionGenerate,
		Parameters: map[string]any{"prompt": k.raw},
		Confidence: defaultConfidence,
		CreatedAt:  now,
		Source:     SourceKeywords,
	}
}

// keywordRules run in priority order; the first match wins.
var keywordRules = []func(keywordText) *Command{
	matchGenerate,
	matchBrightness,
	matchContrast,
	matchNamedFilter,
	matchBackgroundRemoval,
	matchWebcam,
	matchUpload,
	matchFileAndHistory,
	matchRotate,
	matchFlip,
	matchHelp,
}

func matchGenerate(k keywordText) *Command {
	if !k.anyWord("generate", "create", "draw", "paint", "imagine") {
		return nil
	}
	prompt := strings.TrimSpace(generateLeadVerb.ReplaceAllString(k.raw, ""))
	if prompt == "" {
		prompt = k.raw
	}
	return &Command{
		Action:     ActionGenerate,
		Parameters: map[string]any{"prompt": prompt},
		Confidence: keywordConfidence,
	}
}

func matchBrightness(k keywordText) *Command {
	step := adjustStep
	if k.intensified() {
		step = adjustStrongerStep
	}
	switch {
	case k.anyWord("darker", "dim", "dimmer", "darken"):
		step = -step
	case k.anyWord("brighter", "brighten", "lighter"):
	case k.anyWord("brightness"):
		if k.anyWord("decrease", "lower", "reduce", "less", "down") {
			step = -step
		}
	default:
		return nil
	}
	return adjust("brightness", step)
}

func matchContrast(k keywordText) *Command {
	if !k.anyWord("contrast") {
		return nil
	}
	step := adjustStep
	if k.intensified() {
		step = adjustStrongerStep
	}
	if k.anyWord("decrease", "lower", "reduce", "less", "down", "soften") {
		step = -step
	}
	return adjust("contrast", step)
}

func adjust(target string, value int) *Command {
	return &Command{
		Action:     ActionAdjust,
		Target:     target,
		Parameters: map[string]any{"value": value},
		Confidence: keywordConfidence,
	}
}

func matchNamedFilter(k keywordText) *Command {
	for _, f := range namedFilters {
		if k.anyPhrase(f.phrases...) {
			return &Command{
				Action:     ActionFilter,
				Target:     f.filter,
				Parameters: map[string]any{"filter": f.filter},
				Confidence: keywordConfidence,
			}
		}
	}
	return nil
}

func matchBackgroundRemoval(k keywordText) *Command {
	if k.anyPhrase("remove background", "remove the background", "background removal", "cut out", "delete the background", "erase the background") ||
		(k.anyWord("background") && k.anyWord("remove", "delete", "erase", "transparent")) {
		return &Command{Action: ActionRemoveBackground, Target: "background", Confidence: keywordConfidence}
	}
	return nil
}

func matchWebcam(k keywordText) *Command {
	capture := k.anyPhrase("take a photo", "take a picture", "take a selfie", "snap a photo") || k.anyWord("selfie", "snapshot")
	if !capture && !k.anyWord("webcam", "camera") {
		return nil
	}
	mode := "start"
	if capture || k.anyWord("capture", "snap", "shoot") {
		mode = "capture"
	}
	return &Command{
		Action:     ActionWebcam,
		Parameters: map[string]any{"mode": mode},
		Confidence: keywordConfidence,
	}
}

func matchUpload(k keywordText) *Command {
	if k.anyWord("upload", "import") || k.anyPhrase("open file", "open a file", "open an image", "load image", "load an image") {
		return &Command{Action: ActionUpload, Confidence: keywordConfidence}
	}
	return nil
}

func matchFileAndHistory(k keywordText) *Command {
	switch {
	case k.anyWord("export"):
		cmd := &Command{Action: ActionExport, Confidence: keywordConfidence}
		if f := exportFormat.FindString(k.lower); f != "" {
			if f == "jpg" {
				f = "jpeg"
			}
			cmd.Parameters = map[string]any{"format": f}
		}
		return cmd
	case k.anyWord("save", "download"):
		return &Command{Action: ActionSave, Confidence: keywordConfidence}
	case k.anyWord("undo") || k.anyPhrase("go back", "take that back"):
		return &Command{Action: ActionUndo, Confidence: keywordConfidence}
	case k.anyWord("redo"):
		return &Command{Action: ActionRedo, Confidence: keywordConfidence}
	case k.anyWord("clear") || k.anyPhrase("start over", "reset canvas", "reset the canvas", "clear canvas"):
		return &Command{Action: ActionClear, Target: "canvas", Confidence: keywordConfidence}
	}
	return nil
}

func matchRotate(k keywordText) *Command {
	if !k.anyWord("rotate", "turn", "spin") {
		return nil
	}
	angle := 90
	switch {
	case k.anyWord("180") || k.anyPhrase("upside down"):
		angle = 180
	case k.anyWord("270") || k.anyWord("left", "counterclockwise", "anticlockwise"):
		angle = 270
	case k.anyWord("45"):
		angle = 45
	}
	return &Command{
		Action:     ActionRotate,
		Parameters: map[string]any{"angle": angle},
		Confidence: keywordConfidence,
	}
}

func matchFlip(k keywordText) *Command {
	if !k.anyWord("flip", "mirror") {
		return nil
	}
	direction := "horizontal"
	if k.anyWord("vertical", "vertically", "upside") {
		direction = "vertical"
	}
	return &Command{
		Action:     ActionFlip,
		Parameters: map[string]any{"direction": direction},
		Confidence: keywordConfidence,
	}
}

func matchHelp(k keywordText) *Command {
	if k.anyWord("help", "commands") || k.anyPhrase("what can you do", "what can i say") {
		return &Command{Action: ActionHelp, Confidence: keywordLoose}
	}
	return nil
}
