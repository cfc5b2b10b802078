package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// Token is a short-lived credential the host UI can use to open a realtime
// connection directly.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Model     string    `json:"model"`
	Voice     string    `json:"voice"`
}

// TokenMinter requests ephemeral realtime credentials.
type TokenMinter struct {
	baseURL string
	apiKey  string
	model   string
	voice   string
	client  *http.Client
}

func NewTokenMinter(baseURL, apiKey, model, voice string, client *http.Client) *TokenMinter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = DefaultModel
	}
	if voice == "" {
		voice = DefaultVoice
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenMinter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		voice:   voice,
		client:  client,
	}
}

func (m *TokenMinter) Mint(ctx context.Context) (Token, error) {
	if strings.TrimSpace(m.apiKey) == "" {
		return Token{}, reliability.New(reliability.KindValidation, "realtime.token", errors.New("OPENAI_API_KEY is not set"))
	}
	body, err := json.Marshal(map[string]any{"model": m.model, "voice": m.voice})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Token{}, reliability.New(reliability.KindTimeout, "realtime.token", err)
		}
		return Token{}, reliability.New(reliability.KindNetwork, "realtime.token", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return Token{}, reliability.New(reliability.KindForHTTPStatus(resp.StatusCode), "realtime.token",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out struct {
		Model        string `json:"model"`
		Voice        string `json:"voice"`
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Token{}, reliability.New(reliability.KindProtocol, "realtime.token", err)
	}
	if out.ClientSecret.Value == "" {
		return Token{}, reliability.New(reliability.KindProtocol, "realtime.token", errors.New("response has no client secret"))
	}
	tok := Token{Value: out.ClientSecret.Value, Model: out.Model, Voice: out.Voice}
	if out.ClientSecret.ExpiresAt > 0 {
		tok.ExpiresAt = time.Unix(out.ClientSecret.ExpiresAt, 0).UTC()
	}
	if tok.Model == "" {
		tok.Model = m.model
	}
	if tok.Voice == "" {
		tok.Voice = m.voice
	}
	return tok, nil
}
