// Package contextassembler builds the UserContext the Router hands to a
// ModelClient adapter, combining the static and slow cache tiers with a
// freshly-built dynamic tier.
package contextassembler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/cache"
	"github.com/relayfin/llmcore/internal/core"
)

var stressFactors = map[core.StressLevel]float64{
	core.StressLow:      1.0,
	core.StressModerate: 1.15,
	core.StressElevated: 1.35,
	core.StressHigh:      1.6,
}

func sleepFactor(hours float64) float64 {
	switch {
	case hours < 5:
		return 1.2
	case hours < 6:
		return 1.1
	default:
		return 1.0
	}
}

// spendingRiskMultiplier computes base x stressFactor x sleepFactor,
// clamped to [1.0, 2.0].
func spendingRiskMultiplier(base float64, stress core.StressLevel, sleepHours float64) float64 {
	sf, ok := stressFactors[stress]
	if !ok {
		sf = 1.0
	}
	m := base * sf * sleepFactor(sleepHours)
	if m < 1.0 {
		return 1.0
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

// Assembler is the ContextAssembler.
type Assembler struct {
	layer  cache.Layer
	cfg    Config
	log    *zap.Logger
}

type Config struct {
	StaticTTL       time.Duration
	SlowTTL         time.Duration
	PromptPrefixTTL time.Duration
}

// promptPrefixModels is the closed set of adapters a compiled prefix is
// ever cached under; InvalidateStatic/InvalidateSlow sweep exactly these.
var promptPrefixModels = []core.ModelId{core.ModelRoaster, core.ModelAdvisor, core.ModelUtility}

func New(layer cache.Layer, cfg Config, log *zap.Logger) *Assembler {
	return &Assembler{layer: layer, cfg: cfg, log: log}
}

// Build produces a UserContext for one request. profileFromStore and
// lifeContext are supplied by the caller (the Router passes the request's
// Profile and LifeContext fields through unchanged);
// this package never talks to those stores directly, keeping the
// assembler pure with respect to its inputs plus the cache.
func (a *Assembler) Build(
	ctx context.Context,
	userId string,
	profileFromStore core.ProfileSnapshot,
	dynamicInputs core.DynamicContext,
	lifeContext *core.SlowContext,
) core.UserContext {
	profile := a.loadStatic(ctx, userId, profileFromStore)
	slow := a.loadSlow(ctx, userId, lifeContext)

	return core.UserContext{
		Profile: profile,
		Slow:    slow,
		Dynamic: dynamicInputs,
	}
}

// CompiledPrefix serves the prompt-prefix tier: a per-model system prefix
// compiled from the static prefix plus this user's display name and
// intensity preference (no slow-tier field is included), cached for
// PromptPrefixTTL and invalidated whenever the static or slow tier changes.
func (a *Assembler) CompiledPrefix(ctx context.Context, userId string, model core.ModelId, staticPrefix string, userCtx core.UserContext) string {
	key := cache.KeyModel(userId, cache.TierPromptPrefix, string(model))
	var cached string
	hit, err := a.layer.Get(ctx, key, &cached)
	if err != nil {
		a.log.Debug("prompt-prefix cache error, treated as miss", zap.Error(err))
	}
	if hit {
		return cached
	}

	compiled := compilePrefix(staticPrefix, userCtx)
	_ = a.layer.Set(ctx, key, compiled, a.cfg.PromptPrefixTTL)
	return compiled
}

func compilePrefix(staticPrefix string, userCtx core.UserContext) string {
	return staticPrefix + "\nUser profile: " + userCtx.Profile.DisplayName +
		" (intensity=" + string(userCtx.Profile.Intensity) + ")"
}

func (a *Assembler) loadStatic(ctx context.Context, userId string, fromStore core.ProfileSnapshot) core.ProfileSnapshot {
	key := cache.Key(userId, cache.TierStatic)
	var cached core.ProfileSnapshot
	hit, err := a.layer.Get(ctx, key, &cached)
	if err != nil {
		a.log.Debug("static tier cache error, treated as miss", zap.Error(err))
	}
	if hit {
		return cached
	}

	_ = a.layer.Set(ctx, key, fromStore, a.cfg.StaticTTL)
	return fromStore
}

func (a *Assembler) loadSlow(ctx context.Context, userId string, lifeContext *core.SlowContext) core.SlowContext {
	key := cache.Key(userId, cache.TierSlow)
	var cached core.SlowContext
	hit, err := a.layer.Get(ctx, key, &cached)
	if err != nil {
		a.log.Debug("slow tier cache error, treated as miss", zap.Error(err))
	}
	if hit {
		return cached
	}

	built := projectSlowContext(lifeContext)
	_ = a.layer.Set(ctx, key, built, a.cfg.SlowTTL)
	return built
}

// riskMultiplierBase is the fixed starting point for spendingRiskMultiplier.
// WeekendMultiplier is an independent, pass-through field (it describes how
// much spending rises on weekends) and must never feed the risk calculation.
const riskMultiplierBase = 1.0

func projectSlowContext(lifeContext *core.SlowContext) core.SlowContext {
	if lifeContext == nil {
		sc := core.SlowContext{
			Stress:            core.StressLow,
			SleepHours:        7,
			LocationMode:      "home",
			WeeklySpendingAvg: 0,
			WeekendMultiplier: 1.0,
		}
		sc.SpendingRiskMultiplier = spendingRiskMultiplier(riskMultiplierBase, sc.Stress, sc.SleepHours)
		return sc
	}

	sc := *lifeContext
	sc.SpendingRiskMultiplier = spendingRiskMultiplier(riskMultiplierBase, sc.Stress, sc.SleepHours)
	return sc
}

// InvalidateStatic is called by the ProfileStore collaborator's mutation
// path: any profile mutation must delete the static tier entry, and every
// compiled prompt prefix built from it.
func (a *Assembler) InvalidateStatic(ctx context.Context, userId string) error {
	if err := a.layer.Delete(ctx, cache.Key(userId, cache.TierStatic)); err != nil {
		return err
	}
	return a.invalidatePromptPrefixes(ctx, userId)
}

// InvalidateSlow is called on a life-context update.
func (a *Assembler) InvalidateSlow(ctx context.Context, userId string) error {
	if err := a.layer.Delete(ctx, cache.Key(userId, cache.TierSlow)); err != nil {
		return err
	}
	return a.invalidatePromptPrefixes(ctx, userId)
}

func (a *Assembler) invalidatePromptPrefixes(ctx context.Context, userId string) error {
	for _, model := range promptPrefixModels {
		if err := a.layer.Delete(ctx, cache.KeyModel(userId, cache.TierPromptPrefix, string(model))); err != nil {
			return err
		}
	}
	return nil
}
