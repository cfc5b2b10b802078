package command

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/oai"
)

// OpenAIClassifier classifies with a chat model in JSON mode.
type OpenAIClassifier struct {
	api   *openai.Client
	model string
}

func NewOpenAIClassifier(cfg oai.Config, model string) (*OpenAIClassifier, error) {
	api, err := oai.New(cfg)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClassifier{api: api, model: model}, nil
}

func (c *OpenAIClassifier) Name() string { return "openai:" + c.model }

func (c *OpenAIClassifier) Classify(ctx context.Context, transcript string, history []string) ([]byte, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(transcript, history)},
		},
		Temperature: 0.1,
		MaxTokens:   200,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, oai.Classify("interpret.openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("interpret.openai: no choices in response")
	}
	return []byte(resp.Choices[0].Message.Content), nil
}
