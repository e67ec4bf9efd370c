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

// Advisor is the high-capability, policy-safe adapter. Wire format:
// Anthropic-style messages with a split system array, each element
// optionally carrying a cache-control hint; response usage exposes
// input_tokens/output_tokens/cache_read_input_tokens.
type Advisor struct {
	opts   Options
	client *http.Client
	log    *zap.Logger
}

func NewAdvisor(opts Options, log *zap.Logger) *Advisor {
	return &Advisor{
		opts:   opts,
		client: &http.Client{Timeout: opts.timeoutOrDefault()},
		log:    log,
	}
}

const (
	AdvisorMaxOutputTokens = 1000
	AdvisorTemperature     = 0.4
	AdvisorWindowMessages  = 10
)

// AdvisorPolicyBlock is the cacheable block: policy-safe guidance that
// never varies across requests.
const AdvisorPolicyBlock = "You are a careful financial advisor. Give nuanced, policy-safe guidance. " +
	"Never suggest anything illegal or predatory. Acknowledge emotional context when present."

type advisorSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl map[string]string      `json:"cache_control,omitempty"`
}

type advisorMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type advisorRequest struct {
	Model       string                `json:"model"`
	System      []advisorSystemBlock  `json:"system"`
	Messages    []advisorMessage      `json:"messages"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float64               `json:"temperature"`
}

type advisorUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type advisorResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage advisorUsage `json:"usage"`
}

func (a *Advisor) Invoke(ctx context.Context, inv core.ModelInvocation) core.ModelResult {
	start := time.Now()

	messages := make([]advisorMessage, 0, len(inv.History)+1)
	for _, m := range lastN(inv.History, AdvisorWindowMessages) {
		messages = append(messages, advisorMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, advisorMessage{Role: "user", Content: inv.Message})

	body := advisorRequest{
		Model: string(core.ModelAdvisor),
		System: []advisorSystemBlock{
			{Type: "text", Text: AdvisorPolicyBlock, CacheControl: map[string]string{"type": "ephemeral"}},
			{Type: "text", Text: inv.SystemPrefix + "\n" + inv.DynamicBlock},
		},
		Messages:    messages,
		MaxTokens:   orDefault(inv.MaxOutputTokens, AdvisorMaxOutputTokens),
		Temperature: orDefaultF(inv.Temperature, AdvisorTemperature),
	}

	result := a.call(ctx, body)
	result.WallClock = time.Since(start)
	return result
}

func (a *Advisor) call(ctx context.Context, body advisorRequest) core.ModelResult {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "encode request", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "build request", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return core.ModelResult{TerminalErr: core.NewError(core.KindTimeout, "advisor call timed out", err)}
		}
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "advisor call failed", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "read response", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return core.ModelResult{TerminalErr: core.NewError(classifyHTTPStatus(resp.StatusCode),
			fmt.Sprintf("advisor backend status %d", resp.StatusCode), nil)}
	}

	var parsed advisorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Content) == 0 {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "malformed advisor response", err)}
	}

	return core.ModelResult{
		Text:              parsed.Content[0].Text,
		InputTokens:       parsed.Usage.InputTokens,
		OutputTokens:      parsed.Usage.OutputTokens,
		CachedInputTokens: parsed.Usage.CacheReadInputTokens,
	}
}
