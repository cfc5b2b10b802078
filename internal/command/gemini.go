package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// GeminiClassifier classifies with a Gemini model constrained to JSON output.
type GeminiClassifier struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

func NewGeminiClassifier(ctx context.Context, apiKey, modelName string) (*GeminiClassifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, reliability.New(reliability.KindValidation, "interpret.gemini", errors.New("GEMINI_API_KEY is not set"))
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = genai.NewUserContent(genai.Text(SystemPrompt()))
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.1)
	model.SetMaxOutputTokens(200)
	return &GeminiClassifier{client: client, model: model, name: modelName}, nil
}

func (g *GeminiClassifier) Name() string { return "gemini:" + g.name }

func (g *GeminiClassifier) Classify(ctx context.Context, transcript string, history []string) ([]byte, error) {
	res, err := g.model.GenerateContent(ctx, genai.Text(userPrompt(transcript, history)))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, reliability.New(reliability.KindTimeout, "interpret.gemini", err)
		}
		return nil, reliability.New(reliability.KindNetwork, "interpret.gemini", err)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil || len(res.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("interpret.gemini: empty response")
	}
	var b strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return nil, errors.New("interpret.gemini: response has no text part")
	}
	return []byte(b.String()), nil
}

func (g *GeminiClassifier) Close() error {
	return g.client.Close()
}
