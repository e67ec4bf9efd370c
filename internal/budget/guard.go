// Package budget implements BudgetGuard: per-user and per-IP sliding-window
// rate limits plus per-user daily token/cost ceilings, consulted by the
// Router before any model is dispatched.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/core"
	"github.com/relayfin/llmcore/internal/external"
)

const rateWindow = 60 * time.Second

// Config carries R_MAX, T_MAX_DAY and C_MAX_DAY.
type Config struct {
	RequestsPerMinute int     // R_MAX
	TokensPerDay      int64   // T_MAX_DAY
	CostPerDayUSD     float64 // C_MAX_DAY
}

// slidingWindow is a per-key mutex-protected list of arrival timestamps.
// Access is serialized per key; the global map lock is never held across
// the per-key work, and it is never held across I/O.
type slidingWindow struct {
	mu          sync.Mutex
	arrivals    []time.Time
}

// memoryWindows is the default, single-process sliding-window backend.
type memoryWindows struct {
	mu      sync.RWMutex
	windows map[string]*slidingWindow
}

func newMemoryWindows() *memoryWindows {
	return &memoryWindows{windows: make(map[string]*slidingWindow)}
}

func (m *memoryWindows) getOrCreate(key string) *slidingWindow {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = m.windows[key]; ok {
		return w
	}
	w = &slidingWindow{}
	m.windows[key] = w
	return w
}

// admit cleans timestamps older than now-window then checks the cap,
// recording the arrival only if it is admitted.
func (m *memoryWindows) admit(key string, limit int, now time.Time) bool {
	w := m.getOrCreate(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-rateWindow)
	kept := w.arrivals[:0]
	for _, t := range w.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.arrivals = kept

	if len(w.arrivals) >= limit {
		return false
	}
	w.arrivals = append(w.arrivals, now)
	return true
}

// redisWindows is the shared-process sliding-window backend: the same
// algorithm as memoryWindows, implemented with a Redis sorted set so
// multiple processes share one rate picture.
type redisWindows struct {
	client *redis.Client
}

func (r *redisWindows) admit(ctx context.Context, key string, limit int, now time.Time) (bool, error) {
	windowStart := now.Add(-rateWindow).UnixNano()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	count, err := countCmd.Result()
	if err != nil {
		return false, err
	}
	if int(count) >= limit {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, err
	}
	r.client.Expire(ctx, key, rateWindow)
	return true, nil
}

// Guard is the BudgetGuard.
type Guard struct {
	cfg    Config
	ledger external.UsageLedger
	mem    *memoryWindows
	redis  *redisWindows
	log    *zap.Logger
}

// New constructs a Guard with the in-memory sliding-window backend.
func New(cfg Config, ledger external.UsageLedger, log *zap.Logger) *Guard {
	return &Guard{cfg: cfg, ledger: ledger, mem: newMemoryWindows(), log: log}
}

// NewWithRedis constructs a Guard whose per-user/per-IP windows are backed
// by a shared Redis sorted set instead of the in-process map.
func NewWithRedis(cfg Config, ledger external.UsageLedger, client *redis.Client, log *zap.Logger) *Guard {
	return &Guard{cfg: cfg, ledger: ledger, mem: newMemoryWindows(), redis: &redisWindows{client: client}, log: log}
}

// Admit implements the guard's three enforcement surfaces, evaluated in
// order: rate, token, cost. The first refusal wins.
func (g *Guard) Admit(ctx context.Context, userId, ip string, estimatedInputTokens int) *core.Error {
	now := time.Now()

	admitted, err := g.admitWindow(ctx, "user:"+userId, g.cfg.RequestsPerMinute, now)
	if err != nil {
		g.log.Warn("rate window backend error, failing open", zap.Error(err))
	} else if !admitted {
		return core.NewError(core.KindRateExceeded, "per-user request rate exceeded", nil)
	}

	if ip != "" {
		ipAdmitted, err := g.admitWindow(ctx, "ip:"+ip, 2*g.cfg.RequestsPerMinute, now)
		if err != nil {
			g.log.Warn("ip rate window backend error, failing open", zap.Error(err))
		} else if !ipAdmitted {
			return core.NewError(core.KindRateExceeded, "per-ip request rate exceeded", nil)
		}
	}

	daily, err := g.ledger.SumToday(ctx, userId)
	if err != nil {
		g.log.Warn("ledger sum-today failed, failing open", zap.Error(err))
		return nil
	}

	tokensUsed := daily.InputTokens + daily.OutputTokens
	if tokensUsed >= g.cfg.TokensPerDay || tokensUsed+3*int64(estimatedInputTokens) > g.cfg.TokensPerDay {
		return core.NewError(core.KindTokenBudgetExceeded, "daily token ceiling reached", nil)
	}

	if daily.CostUSD >= g.cfg.CostPerDayUSD {
		return core.NewError(core.KindCostBudgetExceeded, "daily cost ceiling reached", nil)
	}

	return nil
}

func (g *Guard) admitWindow(ctx context.Context, key string, limit int, now time.Time) (bool, error) {
	if g.redis != nil {
		return g.redis.admit(ctx, key, limit, now)
	}
	return g.mem.admit(key, limit, now), nil
}

// EstimateInputTokens implements the Router's forward-looking estimate:
// ceil(len(message)/4) plus a constant prompt overhead.
func EstimateInputTokens(message string) int {
	const promptOverhead = 200
	return (len(message)+3)/4 + promptOverhead
}
