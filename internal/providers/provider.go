// Package providers implements the ModelClient interface and its three
// adapters (Roaster, Advisor, Utility), one per backend wire format.
package providers

import (
	"context"
	"time"

	"github.com/relayfin/llmcore/internal/core"
)

// Client is the ModelClient contract common to all three adapters.
// Implementations must be stateless: conversation trimming is the
// Router's job, and retries live outside the adapter.
type Client interface {
	Invoke(ctx context.Context, inv core.ModelInvocation) core.ModelResult
}

// Options carries one adapter's transport configuration.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

func (o Options) timeoutOrDefault() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

// classifyHTTPStatus maps a non-200 backend status into the closed taxonomy.
func classifyHTTPStatus(status int) core.Kind {
	switch {
	case status == 429 || status >= 500:
		return core.KindModelTransient
	case status >= 400:
		return core.KindModelPermanent
	default:
		return core.KindModelTransient
	}
}
