// Package coretest provides minimal in-memory implementations of the
// external collaborator interfaces, for wiring a Core in tests and in
// the demo binary without a real database.
package coretest

import (
	"context"
	"sync"
	"time"

	"github.com/relayfin/llmcore/internal/core"
	"github.com/relayfin/llmcore/internal/external"
)

// MemoryProfileStore is an in-memory external.ProfileStore.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]core.ProfileSnapshot
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]core.ProfileSnapshot)}
}

func (s *MemoryProfileStore) GetProfile(ctx context.Context, userId string) (core.ProfileSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userId]
	if !ok {
		return core.ProfileSnapshot{}, external.ErrNotFound
	}
	return p, nil
}

func (s *MemoryProfileStore) UpdateProfile(ctx context.Context, userId string, patch core.ProfileSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userId] = patch
	return nil
}

// MemoryConversationLog is an in-memory external.ConversationLog.
type MemoryConversationLog struct {
	mu       sync.RWMutex
	messages map[string][]core.Message
}

func NewMemoryConversationLog() *MemoryConversationLog {
	return &MemoryConversationLog{messages: make(map[string][]core.Message)}
}

func (l *MemoryConversationLog) AppendMessage(ctx context.Context, userId, role, content string, meta map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[userId] = append(l.messages[userId], core.Message{Role: role, Content: content})
	return nil
}

func (l *MemoryConversationLog) GetRecent(ctx context.Context, userId string, limit int) ([]core.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	all := l.messages[userId]
	if limit <= 0 || limit >= len(all) {
		out := make([]core.Message, len(all))
		copy(out, all)
		return out, nil
	}
	start := len(all) - limit
	out := make([]core.Message, limit)
	copy(out, all[start:])
	return out, nil
}

// MemoryUsageLedger is an in-memory external.UsageLedger, bucketed by UTC day.
type MemoryUsageLedger struct {
	mu     sync.RWMutex
	events map[string][]core.UsageEvent // userId -> events
}

func NewMemoryUsageLedger() *MemoryUsageLedger {
	return &MemoryUsageLedger{events: make(map[string][]core.UsageEvent)}
}

func (l *MemoryUsageLedger) AppendEvent(ctx context.Context, event core.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.UserId] = append(l.events[event.UserId], event)
	return nil
}

func (l *MemoryUsageLedger) SumToday(ctx context.Context, userId string) (core.DailyBudget, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now().UTC()
	year, month, day := now.Date()
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)

	var sum core.DailyBudget
	for _, e := range l.events[userId] {
		if e.Timestamp.Before(dayStart) {
			continue
		}
		sum.Requests++
		sum.InputTokens += int64(e.InputTokens)
		sum.OutputTokens += int64(e.OutputTokens)
		sum.CostUSD += e.CostUSD
	}
	return sum, nil
}

// Seed lets a test preload today's totals without fabricating UsageEvents
// one at a time; it inserts one synthetic event carrying the token and
// cost totals, then pads with zero-token events so SumToday reports
// sum.Requests (never fewer than one).
func (l *MemoryUsageLedger) Seed(userId string, sum core.DailyBudget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[userId] = []core.UsageEvent{{
		UserId:       userId,
		Model:        core.ModelId("seed"),
		InputTokens:  int(sum.InputTokens),
		OutputTokens: int(sum.OutputTokens),
		CostUSD:      sum.CostUSD,
		Timestamp:    time.Now().UTC(),
	}}
	// The padding events carry no tokens or cost; they only raise the count.
	l.seedRequests(userId, sum.Requests)
}

func (l *MemoryUsageLedger) seedRequests(userId string, n int) {
	for i := 1; i < n; i++ {
		l.events[userId] = append(l.events[userId], core.UsageEvent{UserId: userId, Timestamp: time.Now().UTC()})
	}
}

// MemoryLifeContextProvider is an in-memory external.LifeContextProvider.
type MemoryLifeContextProvider struct {
	mu       sync.RWMutex
	contexts map[string]core.SlowContext
}

func NewMemoryLifeContextProvider() *MemoryLifeContextProvider {
	return &MemoryLifeContextProvider{contexts: make(map[string]core.SlowContext)}
}

func (p *MemoryLifeContextProvider) Set(userId string, ctx core.SlowContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts[userId] = ctx
}

func (p *MemoryLifeContextProvider) GetContext(ctx context.Context, userId string) (core.SlowContext, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.contexts[userId]
	return c, ok, nil
}
