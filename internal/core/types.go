// Package core holds the data model shared by every component of the
// request-routing pipeline: intents, models, usage events, and the
// request/response types. The Core value that wires the components
// together lives in package dispatcher.
package core

import "time"

// IntentLabel is the closed enum driving model selection.
type IntentLabel string

const (
	IntentRoast      IntentLabel = "roast"
	IntentAdvice     IntentLabel = "advice"
	IntentCategorize IntentLabel = "categorize"
	IntentSensitive  IntentLabel = "sensitive"
	IntentReceipt    IntentLabel = "receipt"
	IntentGeneral    IntentLabel = "general"
)

// ValidIntent reports whether label is one of the six closed values.
func ValidIntent(label IntentLabel) bool {
	switch label {
	case IntentRoast, IntentAdvice, IntentCategorize, IntentSensitive, IntentReceipt, IntentGeneral:
		return true
	default:
		return false
	}
}

// DecisionSource tells whether an IntentDecision came from the local
// heuristics or a remote classifier call.
type DecisionSource string

const (
	SourceLocal  DecisionSource = "local"
	SourceRemote DecisionSource = "remote"
)

// IntentDecision is the output of IntentClassifier.Classify. The two
// remote token fields are zero unless Source is SourceRemote, in which
// case they carry the Utility call's own usage so the caller can bill it.
type IntentDecision struct {
	Label              IntentLabel
	Confidence         float64
	Source             DecisionSource
	RemoteInputTokens  int
	RemoteOutputTokens int
}

// ModelId is the closed enum of backend adapters.
type ModelId string

const (
	ModelRoaster         ModelId = "roaster"
	ModelAdvisor         ModelId = "advisor"
	ModelUtility         ModelId = "utility"
	ModelSyntheticFallback ModelId = "synthetic-fallback"
)

// RouteFor maps an intent to the adapter that must serve it.
func RouteFor(label IntentLabel) ModelId {
	switch label {
	case IntentAdvice, IntentSensitive:
		return ModelAdvisor
	case IntentCategorize, IntentReceipt:
		return ModelUtility
	default: // IntentRoast, IntentGeneral
		return ModelRoaster
	}
}

// Message is one turn of conversation history.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// IntensityPreference controls how hard the Roaster adapter leans in.
type IntensityPreference string

const (
	IntensityMild     IntensityPreference = "mild"
	IntensityModerate IntensityPreference = "moderate"
	IntensityInsanity IntensityPreference = "insanity"
)

// SavingsGoal is an optional part of ProfileSnapshot.
type SavingsGoal struct {
	Amount   float64
	Purpose  string
	Deadline time.Time
}

// ProfileSnapshot is the static tier: slow-changing user facts.
type ProfileSnapshot struct {
	DisplayName   string
	Intensity     IntensityPreference
	AnnualIncome  *float64
	SavingsGoal   *SavingsGoal
	Insights      []string
}

// StressLevel is the slow tier's coarse wellbeing signal.
type StressLevel string

const (
	StressLow      StressLevel = "low"
	StressModerate StressLevel = "moderate"
	StressElevated StressLevel = "elevated"
	StressHigh     StressLevel = "high"
)

// SlowContext is the slow tier: health/location/calendar aggregates.
type SlowContext struct {
	Stress               StressLevel
	SleepHours           float64
	LocationMode         string
	UpcomingEventHints   []string
	WeeklySpendingAvg    float64
	WeekendMultiplier    float64
	SpendingRiskMultiplier float64
}

// Transaction is a single ledger-visible spend, used in the last-N list.
type Transaction struct {
	Merchant string
	Amount   float64
	At       time.Time
}

// DynamicContext is assembled fresh on every request; never cached.
type DynamicContext struct {
	VisibleBalance    float64
	HiddenBalance     float64
	UpcomingBills30d  float64
	TodaySpending     float64
	RecentTransactions []Transaction // newest-first, capped at 5
}

// UserContext is the composed view ContextAssembler builds for a request.
type UserContext struct {
	Profile ProfileSnapshot
	Slow    SlowContext
	Dynamic DynamicContext
}

// PriceRow holds the three per-million-token rates for one model.
type PriceRow struct {
	FreshInputPerMillion  float64
	CachedInputPerMillion float64
	OutputPerMillion      float64
}

// PriceTable is the closed, loaded-at-startup cost model.
type PriceTable map[ModelId]PriceRow

// ModelInvocation is what the Router hands to a ModelClient adapter.
type ModelInvocation struct {
	Model            ModelId
	SystemPrefix     string
	DynamicBlock     string
	History          []Message
	Message          string
	MaxOutputTokens  int
	Temperature      float64
}

// ModelResult is what an adapter returns. TerminalErr is nil on success.
type ModelResult struct {
	Text              string
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	WallClock         time.Duration
	TerminalErr       *Error
}

// UsageEvent is an append-only record of one model interaction.
type UsageEvent struct {
	UserId            string
	EndpointTag       string
	Model             ModelId
	Intent            IntentLabel
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	CostUSD           float64
	LatencyMs         int64
	Timestamp         time.Time
}

// DailyBudget is the per-user, per-UTC-day running total read from the ledger.
type DailyBudget struct {
	Requests     int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Request is the single entry point's input.
type Request struct {
	UserId        string
	IP            string
	Message       string
	Profile       ProfileSnapshot
	Dynamic       DynamicContext
	LifeContext   *SlowContext
	History       []Message
}

// Response is the single entry point's output.
type Response struct {
	Text              string
	Model             ModelId
	Intent            IntentLabel
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	CostUSD           float64
	LatencyMs         int64
	Err               *Error
}
