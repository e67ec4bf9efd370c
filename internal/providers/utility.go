package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/core"
)

// Utility is the cheapest-path adapter: strict JSON outputs, auth via an
// API-key query parameter. Wire format: Gemini-style
// {contents:[{role,parts:[{text}]}], generationConfig:{temperature,
// maxOutputTokens}} in, candidates[0].content.parts[0].text /
// usageMetadata.{promptTokenCount,candidatesTokenCount,
// cachedContentTokenCount} out.
type Utility struct {
	opts   Options
	client *http.Client
	log    *zap.Logger
}

func NewUtility(opts Options, log *zap.Logger) *Utility {
	return &Utility{
		opts:   opts,
		client: &http.Client{Timeout: opts.timeoutOrDefault()},
		log:    log,
	}
}

const UtilityTemperature = 0.05

// ClassifierPrefix is the stable system prefix for intent classification.
const ClassifierPrefix = `Classify the user's message into exactly one of: ` +
	`roast, advice, categorize, sensitive, receipt, general. ` +
	`Respond with strict JSON: {"intent": "...", "confidence": 0.0-1.0, "reasoning": "..."}`

// CategorizePrefix is the stable system prefix for a single-transaction shape.
const CategorizePrefix = `Categorize the given transaction. Respond with strict JSON: {"category": "..."}`

// BatchCategorizePrefix is the stable system prefix for batch categorization
// (at most 20 items per request).
const BatchCategorizePrefix = `Categorize each transaction in the given list, in order. ` +
	`Respond with strict JSON: {"categories": ["...", ...]}`

const MaxBatchCategorizeItems = 20

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiUsageMetadata struct {
	PromptTokenCount      int `json:"promptTokenCount"`
	CandidatesTokenCount  int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

// Invoke implements the common ModelClient.Invoke contract; it builds a
// single-turn classification/categorization call (Utility tasks do not
// use conversation history per the spec's N=0 window).
func (u *Utility) Invoke(ctx context.Context, inv core.ModelInvocation) core.ModelResult {
	start := time.Now()
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: inv.SystemPrefix + "\n" + inv.Message}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     orDefaultF(inv.Temperature, UtilityTemperature),
			MaxOutputTokens: orDefault(inv.MaxOutputTokens, 200),
		},
	}
	result := u.call(ctx, body)
	result.WallClock = time.Since(start)
	return result
}

// ClassifyIntent implements intent.RemoteClassifier.
func (u *Utility) ClassifyIntent(ctx context.Context, message string) (string, int, int, error) {
	res := u.Invoke(ctx, core.ModelInvocation{
		SystemPrefix:    ClassifierPrefix,
		Message:         message,
		MaxOutputTokens: 100,
		Temperature:     UtilityTemperature,
	})
	if res.TerminalErr != nil {
		return "", 0, 0, res.TerminalErr
	}
	return res.Text, res.InputTokens, res.OutputTokens, nil
}

// CategorizeOne classifies a single transaction description.
func (u *Utility) CategorizeOne(ctx context.Context, description string) core.ModelResult {
	return u.Invoke(ctx, core.ModelInvocation{
		SystemPrefix:    CategorizePrefix,
		Message:         description,
		MaxOutputTokens: 100,
		Temperature:     UtilityTemperature,
	})
}

// CategorizeBatch classifies up to MaxBatchCategorizeItems transactions
// in one call; callers must chunk larger lists themselves.
func (u *Utility) CategorizeBatch(ctx context.Context, descriptions []string) core.ModelResult {
	if len(descriptions) > MaxBatchCategorizeItems {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelPermanent,
			fmt.Sprintf("batch of %d exceeds max %d", len(descriptions), MaxBatchCategorizeItems), nil)}
	}

	payload, _ := json.Marshal(descriptions)
	return u.Invoke(ctx, core.ModelInvocation{
		SystemPrefix:    BatchCategorizePrefix,
		Message:         string(payload),
		MaxOutputTokens: 500,
		Temperature:     UtilityTemperature,
	})
}

func (u *Utility) call(ctx context.Context, body geminiRequest) core.ModelResult {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "encode request", err)}
	}

	endpoint := u.opts.BaseURL + "/models/" + string(core.ModelUtility) + ":generateContent?key=" + url.QueryEscape(u.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "build request", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return core.ModelResult{TerminalErr: core.NewError(core.KindTimeout, "utility call timed out", err)}
		}
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "utility call failed", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "read response", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return core.ModelResult{TerminalErr: core.NewError(classifyHTTPStatus(resp.StatusCode),
			fmt.Sprintf("utility backend status %d", resp.StatusCode), nil)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "malformed utility response", err)}
	}

	return core.ModelResult{
		Text:              parsed.Candidates[0].Content.Parts[0].Text,
		InputTokens:       parsed.UsageMetadata.PromptTokenCount,
		OutputTokens:      parsed.UsageMetadata.CandidatesTokenCount,
		CachedInputTokens: parsed.UsageMetadata.CachedContentTokenCount,
	}
}
