// Package imagegen drives hosted diffusion models through the Replicate
// predictions API.
package imagegen

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind string

const (
	KindGenerate         Kind = "generate"
	KindEdit             Kind = "edit"
	KindRemoveBackground Kind = "remove_background"
)

// Prediction statuses reported by the service.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

var (
	ErrPollBudgetExhausted = errors.New("prediction did not finish within the poll budget")
	ErrMissingToken        = errors.New("REPLICATE_API_TOKEN is not set")
)

// Request describes one generation or edit. Validation runs before any
// network call.
type Request struct {
	Prompt   string  `json:"prompt" validate:"required_unless=Kind remove_background,max=2000"`
	Image    string  `json:"image,omitempty" validate:"required_if=Kind edit,required_if=Kind remove_background"`
	Mask     string  `json:"mask,omitempty"`
	Width    int     `json:"width,omitempty" validate:"omitempty,min=256,max=2048"`
	Height   int     `json:"height,omitempty" validate:"omitempty,min=256,max=2048"`
	Steps    int     `json:"steps,omitempty" validate:"omitempty,min=1,max=100"`
	Guidance float64 `json:"guidance,omitempty" validate:"omitempty,gte=0,lte=20"`
	Seed     *int64  `json:"seed,omitempty"`
	Kind     Kind    `json:"-"`
}

// Prediction is the service's job record.
type Prediction struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Output    stdjson.RawMessage `json:"output"`
	Error     any                `json:"error"`
	CreatedAt string             `json:"created_at,omitempty"`
}

// URLs flattens the output, which may be a single URL or a list.
func (p Prediction) URLs() []string {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(p.Output, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil {
		return many
	}
	return nil
}

func (p Prediction) terminal() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Result is the single outcome surfaced for one request.
type Result struct {
	Kind         Kind     `json:"kind"`
	PredictionID string   `json:"prediction_id,omitempty"`
	Status       string   `json:"status"`
	URLs         []string `json:"urls"`
	Demo         bool     `json:"demo,omitempty"`
	Polls        int      `json:"polls"`
}

// Models names the hosted model used for each kind.
type Models struct {
	Generate         string
	Edit             string
	RemoveBackground string
}

func DefaultModels() Models {
	return Models{
		Generate:         "black-forest-labs/flux-schnell",
		Edit:             "black-forest-labs/flux-kontext-pro",
		RemoveBackground: "851-labs/background-remover",
	}
}

type Config struct {
	BaseURL      string
	APIToken     string
	PollInterval time.Duration
	MaxPolls     int
	DemoFallback bool
	Models       Models
	HTTPClient   *http.Client
}

type Client struct {
	cfg      Config
	http     *http.Client
	validate *validator.Validate
	metrics  *observability.Metrics
	log      logrus.FieldLogger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, metrics *observability.Metrics, log logrus.FieldLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.replicate.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	if cfg.Models == (Models{}) {
		cfg.Models = DefaultModels()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		cfg:      cfg,
		http:     hc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		log:      logging.Component(log, "imagegen"),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	req.Kind = KindGenerate
	return c.run(ctx, req)
}

func (c *Client) Edit(ctx context.Context, req Request) (Result, error) {
	req.Kind = KindEdit
	return c.run(ctx, req)
}

func (c *Client) RemoveBackground(ctx context.Context, image string) (Result, error) {
	return c.run(ctx, Request{Kind: KindRemoveBackground, Image: image})
}

// Validate reports request problems without touching the network.
func (c *Client) Validate(req Request) error {
	if err := c.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return reliability.Newf(reliability.KindValidation, "imagegen.validate", "%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return reliability.New(reliability.KindValidation, "imagegen.validate", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, req Request) (Result, error) {
	if err := c.Validate(req); err != nil {
		c.observe(req.Kind, "invalid")
		return Result{}, err
	}
	res, err := c.predict(ctx, req)
	if err == nil {
		c.observe(req.Kind, res.Status)
		return res, nil
	}
	if c.cfg.DemoFallback && (degradable(err) || errors.Is(err, ErrMissingToken)) {
		c.log.WithError(err).WithField("kind", req.Kind).Warn("image service unavailable, returning demo result")
		c.observe(req.Kind, "demo")
		return demoResult(req), nil
	}
	c.observe(req.Kind, string(reliability.KindOf(err)))
	return Result{}, err
}

func degradable(err error) bool {
	switch reliability.KindOf(err) {
	case reliability.KindNetwork, reliability.KindUnavailable, reliability.KindTimeout:
		return true
	}
	return false
}

func (c *Client) observe(kind Kind, status string) {
	if c.metrics != nil {
		c.metrics.ImageGenerations.WithLabelValues(string(kind), status).Inc()
	}
}

func (c *Client) predict(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(c.cfg.APIToken) == "" {
		return Result{}, reliability.New(reliability.KindValidation, "imagegen.create", ErrMissingToken)
	}
	model := c.modelFor(req.Kind)
	pred, err := c.create(ctx, model, inputFor(req))
	if err != nil {
		return Result{}, err
	}

	polls := 0
	for !pred.terminal() {
		if polls >= c.cfg.MaxPolls {
			return Result{}, reliability.New(reliability.KindTimeout, "imagegen.poll",
				fmt.Errorf("%w: %s after %d polls", ErrPollBudgetExhausted, pred.ID, polls))
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return Result{}, err
		}
		polls++
		pred, err = c.Prediction(ctx, pred.ID)
		if err != nil {
			return Result{}, err
		}
	}

	switch pred.Status {
	case StatusFailed:
		return Result{}, reliability.Newf(reliability.KindUnavailable, "imagegen.prediction", "prediction %s failed: %v", pred.ID, pred.Error)
	case StatusCanceled:
		return Result{}, reliability.Newf(reliability.KindUnavailable, "imagegen.prediction", "prediction %s was canceled", pred.ID)
	}
	urls := pred.URLs()
	if len(urls) == 0 {
		return Result{}, reliability.Newf(reliability.KindProtocol, "imagegen.prediction", "prediction %s succeeded without output", pred.ID)
	}
	return Result{Kind: req.Kind, PredictionID: pred.ID, Status: pred.Status, URLs: urls, Polls: polls}, nil
}

func (c *Client) modelFor(kind Kind) string {
	switch kind {
	case KindEdit:
		return c.cfg.Models.Edit
	case KindRemoveBackground:
		return c.cfg.Models.RemoveBackground
	default:
		return c.cfg.Models.Generate
	}
}

func inputFor(req Request) map[string]any {
	in := map[string]any{}
	switch req.Kind {
	case KindRemoveBackground:
		in["image"] = req.Image
		return in
	case KindEdit:
		in["prompt"] = req.Prompt
		in["input_image"] = req.Image
		if req.Mask != "" {
			in["mask"] = req.Mask
		}
	default:
		in["prompt"] = req.Prompt
		if req.Width > 0 && req.Height > 0 {
			in["width"] = req.Width
			in["height"] = req.Height
		}
		if req.Steps > 0 {
			in["num_inference_steps"] = req.Steps
		}
		if req.Guidance > 0 {
			in["guidance"] = req.Guidance
		}
	}
	if req.Seed != nil {
		in["seed"] = *req.Seed
	}
	return in
}

func (c *Client) create(ctx context.Context, model string, input map[string]any) (Prediction, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return Prediction{}, err
	}
	var pred Prediction
	err = c.do(ctx, http.MethodPost, "/models/"+model+"/predictions", body, &pred)
	return pred, err
}

// Prediction fetches the current state of one job.
func (c *Client) Prediction(ctx context.Context, id string) (Prediction, error) {
	if strings.TrimSpace(id) == "" {
		return Prediction{}, reliability.New(reliability.KindValidation, "imagegen.get", errors.New("prediction id is required"))
	}
	var pred Prediction
	err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, &pred)
	return pred, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := "imagegen." + strings.ToLower(method)
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return reliability.New(reliability.KindValidation, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return reliability.New(reliability.KindTimeout, op, err)
		}
		return reliability.New(reliability.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return reliability.New(reliability.KindNetwork, op, err)
	}
	if resp.StatusCode >= 400 {
		return reliability.New(reliability.KindForHTTPStatus(resp.StatusCode), op,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return reliability.New(reliability.KindProtocol, op, err)
	}
	return nil
}

// demoResult is a deterministic placeholder used when the service is down.
func demoResult(req Request) Result {
	w, h := req.Width, req.Height
	if w == 0 || h == 0 {
		w, h = 1024, 1024
	}
	sum := sha1.Sum([]byte(string(req.Kind) + "|" + req.Prompt + "|" + req.Image))
	seed := hex.EncodeToString(sum[:6])
	return Result{
		Kind:   req.Kind,
		Status: StatusSucceeded,
		URLs:   []string{fmt.Sprintf("https://picsum.photos/seed/%s/%d/%d", seed, w, h)},
		Demo:   true,
	}
}
