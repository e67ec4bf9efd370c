// Package dispatcher implements the Router: the single Dispatch entry
// point that wires BudgetGuard, IntentClassifier, ContextAssembler, the
// three ModelClient adapters, and UsageAccountant into one request
// lifecycle.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/accountant"
	"github.com/relayfin/llmcore/internal/budget"
	"github.com/relayfin/llmcore/internal/contextassembler"
	"github.com/relayfin/llmcore/internal/core"
	"github.com/relayfin/llmcore/internal/external"
	"github.com/relayfin/llmcore/internal/intent"
	"github.com/relayfin/llmcore/internal/providers"
	"github.com/relayfin/llmcore/internal/retry"
)

// fallbackTexts is the small built-in set the Router draws from when an
// adapter exhausts its retry budget. Picking one at random keeps repeated
// failures from looking identical in a transcript.
var fallbackTexts = []string{
	"I'm having trouble reaching that right now, try again in a moment.",
	"That one didn't go through on my end, give it another try shortly.",
	"I couldn't get a response back in time. Please try again soon.",
}

// Adapters groups the three ModelClient implementations by the model
// they serve.
type Adapters struct {
	Roaster providers.Client
	Advisor providers.Client
	Utility providers.Client
}

func (a Adapters) forModel(id core.ModelId) providers.Client {
	switch id {
	case core.ModelAdvisor:
		return a.Advisor
	case core.ModelUtility:
		return a.Utility
	default:
		return a.Roaster
	}
}

// Core is the composed value holding every collaborator this module's
// request pipeline depends on. It is constructed once at process start
// and passed by reference; it holds no package-level mutable state.
type Core struct {
	Guard      *budget.Guard
	Classifier *intent.Classifier
	Assembler  *contextassembler.Assembler
	Adapters   Adapters
	Accountant *accountant.Accountant
	Profiles   external.ProfileStore
	LifeCtx    external.LifeContextProvider
	RetryCfg   retry.Config
	Log        *zap.Logger
}

// Dispatch runs one request through NEW -> GUARDED -> CLASSIFIED ->
// ASSEMBLED -> INVOKING -> ACCOUNTED -> DONE, or REFUSED if the guard
// declines before any model is ever called.
func (c *Core) Dispatch(ctx context.Context, req core.Request) core.Response {
	start := time.Now()
	log := c.Log.With(zap.String("trace_id", uuid.NewString()), zap.String("user", req.UserId))

	estimate := budget.EstimateInputTokens(req.Message)
	if refusal := c.Guard.Admit(ctx, req.UserId, req.IP, estimate); refusal != nil {
		log.Info("request refused by guard", zap.String("kind", string(refusal.Kind)))
		return core.Response{Err: refusal, LatencyMs: time.Since(start).Milliseconds()}
	}

	decision := c.Classifier.Classify(ctx, req.Message)
	if decision.Source == core.SourceRemote && (decision.RemoteInputTokens > 0 || decision.RemoteOutputTokens > 0) {
		c.recordClassificationUsage(ctx, req.UserId, decision)
	}
	log.Debug("intent classified", zap.String("label", string(decision.Label)), zap.String("source", string(decision.Source)))

	modelId := core.RouteFor(decision.Label)

	userCtx := c.Assembler.Build(ctx, req.UserId, req.Profile, req.Dynamic, req.LifeContext)
	prefix := c.Assembler.CompiledPrefix(ctx, req.UserId, modelId, systemPrefixFor(modelId), userCtx)

	inv := buildInvocation(modelId, req, userCtx, prefix)

	client := c.Adapters.forModel(modelId)
	result := retry.Do(ctx, c.RetryCfg, func(ctx context.Context) core.ModelResult {
		return client.Invoke(ctx, inv)
	})

	latency := time.Since(start)

	if result.TerminalErr != nil {
		log.Warn("adapter exhausted retry budget, falling back",
			zap.String("model", string(modelId)), zap.String("kind", string(result.TerminalErr.Kind)))
		c.recordFallback(ctx, req.UserId, decision.Label, latency)
		return core.Response{
			Text:      fallbackTexts[rand.Intn(len(fallbackTexts))],
			Model:     core.ModelSyntheticFallback,
			Intent:    decision.Label,
			LatencyMs: latency.Milliseconds(),
		}
	}

	freshInput := result.InputTokens - result.CachedInputTokens
	if freshInput < 0 {
		freshInput = 0
	}
	cost := c.Accountant.CostOf(modelId, freshInput, result.CachedInputTokens, result.OutputTokens)

	c.Accountant.Record(ctx, core.UsageEvent{
		UserId:            req.UserId,
		Model:             modelId,
		Intent:            decision.Label,
		InputTokens:       result.InputTokens,
		OutputTokens:      result.OutputTokens,
		CachedInputTokens: result.CachedInputTokens,
		CostUSD:           cost,
		LatencyMs:         latency.Milliseconds(),
		Timestamp:         time.Now().UTC(),
	})

	return core.Response{
		Text:              result.Text,
		Model:             modelId,
		Intent:            decision.Label,
		InputTokens:       result.InputTokens,
		OutputTokens:      result.OutputTokens,
		CachedInputTokens: result.CachedInputTokens,
		CostUSD:           cost,
		LatencyMs:         latency.Milliseconds(),
	}
}

func (c *Core) recordClassificationUsage(ctx context.Context, userId string, decision core.IntentDecision) {
	cost := c.Accountant.CostOf(core.ModelUtility, decision.RemoteInputTokens, 0, decision.RemoteOutputTokens)
	c.Accountant.Record(ctx, core.UsageEvent{
		UserId:       userId,
		Model:        core.ModelUtility,
		EndpointTag:  "classify",
		InputTokens:  decision.RemoteInputTokens,
		OutputTokens: decision.RemoteOutputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now().UTC(),
	})
}

func (c *Core) recordFallback(ctx context.Context, userId string, label core.IntentLabel, latency time.Duration) {
	c.Accountant.Record(ctx, core.UsageEvent{
		UserId:    userId,
		Model:     core.ModelSyntheticFallback,
		Intent:    label,
		LatencyMs: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
	})
}

func buildInvocation(modelId core.ModelId, req core.Request, userCtx core.UserContext, systemPrefix string) core.ModelInvocation {
	return core.ModelInvocation{
		Model:        modelId,
		SystemPrefix: systemPrefix,
		DynamicBlock: dynamicBlockFor(userCtx),
		History:      req.History,
		Message:      req.Message,
	}
}

func systemPrefixFor(modelId core.ModelId) string {
	switch modelId {
	case core.ModelAdvisor:
		return providers.AdvisorPolicyBlock
	case core.ModelUtility:
		return providers.ClassifierPrefix
	default:
		return providers.RoasterPersonalityPrefix
	}
}

// dynamicBlockFor renders the per-request, never-cached tier into the
// short text block every adapter appends after its static system prefix.
func dynamicBlockFor(userCtx core.UserContext) string {
	risk := userCtx.Slow.SpendingRiskMultiplier
	if risk == 0 {
		risk = 1.0
	}
	return fmt.Sprintf("current balance visible=%.2f today_spend=%.2f risk_multiplier=%.2f",
		userCtx.Dynamic.VisibleBalance, userCtx.Dynamic.TodaySpending, risk)
}
