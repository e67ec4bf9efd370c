package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/core"
)

// Roaster is the cheap/fast adapter. Wire format: OpenAI-style chat
// completions — {model, messages, system, max_tokens, temperature} in,
// choices[0].message.content / usage.{prompt_tokens,completion_tokens,
// prompt_tokens_details.cached_tokens} out.
type Roaster struct {
	opts   Options
	client *http.Client
	log    *zap.Logger
}

func NewRoaster(opts Options, log *zap.Logger) *Roaster {
	return &Roaster{
		opts:   opts,
		client: &http.Client{Timeout: opts.timeoutOrDefault()},
		log:    log,
	}
}

const (
	RoasterMaxOutputTokens = 500
	RoasterTemperature     = 0.8
	RoasterWindowMessages  = 6
)

// RoasterPersonalityPrefix is the fixed, stable system prompt that intentionally
// never varies, so the backend's own prompt cache can serve it cheaply.
const RoasterPersonalityPrefix = "You are a blunt, funny financial roast-bot. Be punchy and short. " +
	"Never give real financial advice here; that belongs to a different assistant."

type roasterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type roasterRequest struct {
	Model       string            `json:"model"`
	System      string            `json:"system,omitempty"`
	Messages    []roasterMessage  `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
}

type roasterUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type roasterResponse struct {
	Choices []struct {
		Message roasterMessage `json:"message"`
	} `json:"choices"`
	Usage roasterUsage `json:"usage"`
}

func (r *Roaster) Invoke(ctx context.Context, inv core.ModelInvocation) core.ModelResult {
	start := time.Now()

	messages := make([]roasterMessage, 0, len(inv.History)+1)
	for _, m := range lastN(inv.History, RoasterWindowMessages) {
		messages = append(messages, roasterMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, roasterMessage{Role: "user", Content: inv.Message})

	body := roasterRequest{
		Model:       string(core.ModelRoaster),
		System:      inv.SystemPrefix + "\n" + inv.DynamicBlock,
		Messages:    messages,
		MaxTokens:   orDefault(inv.MaxOutputTokens, RoasterMaxOutputTokens),
		Temperature: orDefaultF(inv.Temperature, RoasterTemperature),
	}

	result := r.call(ctx, body)
	result.WallClock = time.Since(start)
	return result
}

func (r *Roaster) call(ctx context.Context, body roasterRequest) core.ModelResult {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "encode request", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "build request", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return core.ModelResult{TerminalErr: core.NewError(core.KindTimeout, "roaster call timed out", err)}
		}
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "roaster call failed", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "read response", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return core.ModelResult{TerminalErr: core.NewError(classifyHTTPStatus(resp.StatusCode),
			fmt.Sprintf("roaster backend status %d", resp.StatusCode), nil)}
	}

	var parsed roasterResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "malformed roaster response", err)}
	}

	return core.ModelResult{
		Text:              parsed.Choices[0].Message.Content,
		InputTokens:       parsed.Usage.PromptTokens,
		OutputTokens:      parsed.Usage.CompletionTokens,
		CachedInputTokens: parsed.Usage.PromptTokensDetails.CachedTokens,
	}
}

func lastN(history []core.Message, n int) []core.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
