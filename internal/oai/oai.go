// Package oai builds the shared OpenAI API client and classifies its errors.
package oai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

type Config struct {
	APIKey  string
	BaseURL string
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is not set")

// New returns a client or a validation error when no key is configured.
func New(cfg Config) (*openai.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, reliability.New(reliability.KindValidation, "openai.client", ErrMissingAPIKey)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return openai.NewClientWithConfig(oc), nil
}

// Classify maps go-openai failures onto reliability kinds. Cancellation is
// passed through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reliability.New(reliability.KindTimeout, op, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.New(reliability.KindForHTTPStatus(apiErr.HTTPStatusCode), op, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.New(reliability.KindForHTTPStatus(reqErr.HTTPStatusCode), op, err)
	}
	return reliability.New(reliability.KindNetwork, op, err)
}
