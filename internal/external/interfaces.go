// Package external names the narrow collaborator interfaces the core
// consumes but does not implement: the transactional profile/conversation
// store, the usage ledger, and the life-context provider. A deployment
// wires in its own Postgres-backed (or otherwise durable) implementations;
// this package only defines the contracts. The in-memory fakes used by
// tests and the demo binary live in package coretest.
package external

import (
	"context"
	"time"

	"github.com/relayfin/llmcore/internal/core"
)

// ProfileStore owns the durable user profile.
type ProfileStore interface {
	GetProfile(ctx context.Context, userId string) (core.ProfileSnapshot, error)
	UpdateProfile(ctx context.Context, userId string, patch core.ProfileSnapshot) error
}

// ConversationLog owns the durable message history.
type ConversationLog interface {
	AppendMessage(ctx context.Context, userId, role, content string, meta map[string]string) error
	GetRecent(ctx context.Context, userId string, limit int) ([]core.Message, error)
}

// UsageLedger owns the durable, append-only usage record.
type UsageLedger interface {
	AppendEvent(ctx context.Context, event core.UsageEvent) error
	SumToday(ctx context.Context, userId string) (core.DailyBudget, error)
}

// LifeContextProvider owns health/location/calendar signals.
type LifeContextProvider interface {
	GetContext(ctx context.Context, userId string) (core.SlowContext, bool, error)
}

// ErrNotFound is returned by GetProfile when no profile exists yet.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

// Clock lets tests and ledgers agree on "now" without reaching for
// time.Now() directly in business logic that must stay deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}
