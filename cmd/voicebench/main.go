// Command voicebench replays a recorded utterance against a running daemon in
// command mode and reports end-to-end latencies.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/stat"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	baseURL     string
	userID      string
	wavPath     string
	texts       []string
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	verbose     bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	OpID   string `json:"op_id,omitempty"`
	Action string `json:"action,omitempty"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	State  string `json:"state,omitempty"`
}

type clip struct {
	PCM16LE    []byte
	SampleRate int
}

// turnResult holds the latencies of one replayed turn, measured from the
// moment input finished.
type turnResult struct {
	Transcript time.Duration
	Command    time.Duration
	Action     string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebench: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voicebench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs := flag.NewFlagSet("voicebench", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "daemon base URL")
	fs.StringVar(&cfg.userID, "user-id", "voicebench", "user_id used for the synthetic session")
	fs.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV file holding one spoken command")
	fs.StringVar(&textsRaw, "texts", "", "typed commands separated by '|', used when -wav is empty")
	fs.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for a command per turn in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	if strings.TrimSpace(cfg.wavPath) == "" && len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("one of -wav or -texts is required")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var input *clip
	if cfg.wavPath != "" {
		raw, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		c, err := loadClip(raw)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		input = &c
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	b := newBench(conn, sessionID, cfg.verbose)
	go b.readLoop()

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		var (
			res turnResult
			err error
		)
		if input != nil {
			res, err = b.audioTurn(*input, cfg)
		} else {
			res, err = b.textTurn(cfg.texts[i%len(cfg.texts)], cfg.turnTimeout)
		}
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("voicebench: turn %d/%d action=%s transcript=%s command=%s\n",
				i+1, cfg.turns, res.Action, res.Transcript, res.Command)
		}
		results = append(results, res)
	}

	fmt.Print(summarize(results))
	return nil
}

// bench drives one websocket session. The read loop answers mic requests and
// ui operations the way the editor would so the pipeline can progress.
type bench struct {
	conn      *websocket.Conn
	sessionID string
	verbose   bool
	writes    chan any
	events    chan wsEnvelope
	readErr   chan error
}

func newBench(conn *websocket.Conn, sessionID string, verbose bool) *bench {
	b := &bench{
		conn:      conn,
		sessionID: sessionID,
		verbose:   verbose,
		writes:    make(chan any, 64),
		events:    make(chan wsEnvelope, 64),
		readErr:   make(chan error, 1),
	}
	go b.writeLoop()
	return b
}

func (b *bench) writeLoop() {
	for msg := range b.writes {
		if err := b.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (b *bench) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case b.readErr <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeMicRequest:
			if env.Action == "open" {
				b.writes <- protocol.MicStatus{
					Type:       protocol.TypeMicStatus,
					SessionID:  b.sessionID,
					Opened:     true,
					SampleRate: 16000,
					Channels:   1,
				}
			}
			continue
		case protocol.TypeUIOperation:
			b.writes <- protocol.UIOperationResult{
				Type:      protocol.TypeUIOperationResult,
				SessionID: b.sessionID,
				OpID:      env.OpID,
				OK:        true,
			}
		case protocol.TypeErrorEvent:
			if b.verbose {
				fmt.Fprintf(os.Stderr, "voicebench: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
		select {
		case b.events <- env:
		default:
		}
	}
}

func (b *bench) control(action string) {
	b.writes <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: b.sessionID,
		Action:    action,
		Mode:      protocol.ModeCommand,
		Reason:    "voicebench",
		TSMs:      time.Now().UnixMilli(),
	}
}

func (b *bench) audioTurn(c clip, cfg options) (turnResult, error) {
	b.control(protocol.ActionStartListening)
	if _, err := b.await(cfg.turnTimeout, func(env wsEnvelope) bool {
		return env.Type == string(protocol.TypePipelineState) && env.State == "listening"
	}); err != nil {
		return turnResult{}, fmt.Errorf("await listening: %w", err)
	}

	seq := 0
	for _, chunk := range chunkPCM(c.PCM16LE, c.SampleRate, cfg.chunkMS) {
		seq++
		b.writes <- protocol.ClientAudioFrame{
			Type:        protocol.TypeClientAudioFrame,
			SessionID:   b.sessionID,
			Seq:         seq,
			Encoding:    protocol.EncodingPCM16,
			AudioBase64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  c.SampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		pace := time.Duration(float64(audio.Duration(len(chunk)/2, c.SampleRate)) / cfg.realtime)
		time.Sleep(pace)
	}
	b.control(protocol.ActionStopListening)
	return b.collect(time.Now(), cfg.turnTimeout)
}

func (b *bench) textTurn(text string, timeout time.Duration) (turnResult, error) {
	b.writes <- protocol.ClientText{
		Type:      protocol.TypeClientText,
		SessionID: b.sessionID,
		Text:      text,
	}
	return b.collect(time.Now(), timeout)
}

// collect waits for the transcript and command that follow one input.
func (b *bench) collect(start time.Time, timeout time.Duration) (turnResult, error) {
	var res turnResult
	env, err := b.await(timeout, func(env wsEnvelope) bool {
		if env.Type == string(protocol.TypeTranscript) && res.Transcript == 0 {
			res.Transcript = time.Since(start)
		}
		return env.Type == string(protocol.TypeCommand)
	})
	if err != nil {
		return res, err
	}
	res.Command = time.Since(start)
	res.Action = env.Action
	return res, nil
}

var errTurnFailed = errors.New("pipeline reported an error")

func (b *bench) await(timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-b.events:
			if match(env) {
				return env, nil
			}
			if env.Type == string(protocol.TypeErrorEvent) {
				return env, fmt.Errorf("%w: %s", errTurnFailed, env.Code)
			}
		case err := <-b.readErr:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// loadClip decodes a WAV file to mono PCM16LE at its native rate.
func loadClip(raw []byte) (clip, error) {
	pcm, info, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return clip{}, err
	}
	if info.SampleRate <= 0 {
		return clip{}, fmt.Errorf("invalid sample rate %d", info.SampleRate)
	}
	if info.Channels > 1 {
		pcm = audio.Float32ToPCM16(audio.Downmix(audio.PCM16ToFloat32(pcm), info.Channels))
	}
	if len(pcm) < 2 {
		return clip{}, fmt.Errorf("wav holds no samples")
	}
	return clip{PCM16LE: pcm[:len(pcm)&^1], SampleRate: info.SampleRate}, nil
}

// chunkPCM splits pcm into frames of chunkMS, keeping sample alignment.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	size &^= 1
	if size < 2 {
		size = 2
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm) &^ 1
		}
		if end <= off {
			break
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func summarize(results []turnResult) string {
	if len(results) == 0 {
		return "voicebench: no turns completed\n"
	}
	transcripts := make([]float64, 0, len(results))
	commands := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Transcript > 0 {
			transcripts = append(transcripts, float64(r.Transcript.Milliseconds()))
		}
		commands = append(commands, float64(r.Command.Milliseconds()))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "voicebench: turns=%d\n", len(results))
	writeStats(&b, "transcript_ms", transcripts)
	writeStats(&b, "command_ms", commands)
	return b.String()
}

func writeStats(w io.Writer, name string, values []float64) {
	if len(values) == 0 {
		fmt.Fprintf(w, "  %s n=0\n", name)
		return
	}
	sort.Float64s(values)
	fmt.Fprintf(w, "  %s n=%d mean=%.0f p50=%.0f p95=%.0f max=%.0f\n",
		name,
		len(values),
		stat.Mean(values, nil),
		stat.Quantile(0.5, stat.Empirical, values, nil),
		stat.Quantile(0.95, stat.Empirical, values, nil),
		values[len(values)-1],
	)
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"user_id": cfg.userID,
		"mode":    protocol.ModeCommand,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voice/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
