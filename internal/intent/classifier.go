// Package intent implements the two-phase IntentClassifier: a fixed,
// ordered set of local heuristics tried first, falling back to a single
// remote Utility call for anything ambiguous.
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/core"
)

// RemoteClassifier is the narrow slice of the Utility adapter the
// classifier needs: a single strict-JSON classification call.
type RemoteClassifier interface {
	ClassifyIntent(ctx context.Context, message string) (rawJSON string, inputTokens, outputTokens int, err error)
}

const classificationPrefixCap = 1024 // bytes; only classification truncates

type rule struct {
	label      core.IntentLabel
	confidence float64
	match      func(lower string) bool
}

// rules is applied in order; first match wins. Grounded in the original
// FURG router's _local_intent_heuristics ordering.
var rules = []rule{
	{core.IntentRoast, 0.85, containsAny("roast", "roasting", "mock", "burn")},
	{core.IntentRoast, 0.80, startsWithAny("hey", "hi", "hello", "what's up", "sup", "yo", "howdy")},
	{core.IntentAdvice, 0.85, containsAny("should i", "is it worth", "can i afford", "how much should",
		"advice", "recommend", "budget", "invest", "save for", "is this a good idea")},
	{core.IntentCategorize, 0.90, containsAny("category", "categorize")},
	{core.IntentReceipt, 0.85, containsAny("receipt", "scan", "bill")},
	{core.IntentSensitive, 0.85, containsAny("broken", "not working", "bug", "issue", "problem", "hate", "sucks")},
	{core.IntentSensitive, 0.75, containsAny("change", "update", "set", "settings")},
}

func containsAny(subs ...string) func(string) bool {
	return func(lower string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func startsWithAny(prefixes ...string) func(string) bool {
	return func(lower string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(lower, p) {
				return true
			}
		}
		return false
	}
}

// Classifier is the IntentClassifier.
type Classifier struct {
	remote RemoteClassifier
	log    *zap.Logger
}

func New(remote RemoteClassifier, log *zap.Logger) *Classifier {
	return &Classifier{remote: remote, log: log}
}

type remoteDecision struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Classify implements the two-phase algorithm. A remote-classifier
// failure never fails the request: it degrades to (Roast, 0.50, remote)
// and logs the reason (ClassifierDegraded).
func (c *Classifier) Classify(ctx context.Context, message string) core.IntentDecision {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return core.IntentDecision{Label: core.IntentGeneral, Confidence: 0.5, Source: core.SourceLocal}
	}

	lower := strings.ToLower(trimmed)
	prefix := lower
	if len(prefix) > classificationPrefixCap {
		prefix = prefix[:classificationPrefixCap]
	}

	for _, r := range rules {
		if r.match(prefix) {
			return core.IntentDecision{Label: r.label, Confidence: r.confidence, Source: core.SourceLocal}
		}
	}

	remoteInput := trimmed
	if len(remoteInput) > classificationPrefixCap {
		remoteInput = remoteInput[:classificationPrefixCap]
	}
	return c.classifyRemote(ctx, remoteInput)
}

func (c *Classifier) classifyRemote(ctx context.Context, message string) core.IntentDecision {
	if c.remote == nil {
		c.log.Warn("no remote classifier configured, degrading", zap.String("reason", "remote_unconfigured"))
		return core.IntentDecision{Label: core.IntentRoast, Confidence: 0.50, Source: core.SourceRemote}
	}

	raw, in, out, err := c.remote.ClassifyIntent(ctx, message)
	if err != nil {
		c.log.Warn("remote classification failed, degrading to roast",
			zap.Error(err))
		return core.IntentDecision{Label: core.IntentRoast, Confidence: 0.50, Source: core.SourceRemote}
	}

	var decoded remoteDecision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decoded); err != nil {
		c.log.Warn("remote classification returned unparseable JSON", zap.Error(err))
		return core.IntentDecision{Label: core.IntentGeneral, Confidence: 0.5, Source: core.SourceRemote,
			RemoteInputTokens: in, RemoteOutputTokens: out}
	}

	label := core.IntentLabel(strings.ToLower(decoded.Intent))
	if !core.ValidIntent(label) {
		c.log.Warn("remote classification returned unknown intent", zap.String("intent", decoded.Intent))
		return core.IntentDecision{Label: core.IntentGeneral, Confidence: 0.5, Source: core.SourceRemote,
			RemoteInputTokens: in, RemoteOutputTokens: out}
	}

	return core.IntentDecision{Label: label, Confidence: decoded.Confidence, Source: core.SourceRemote,
		RemoteInputTokens: in, RemoteOutputTokens: out}
}

// extractJSON strips a ```json ... ``` or ``` ... ``` code fence if present.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
