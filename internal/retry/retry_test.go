package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfin/llmcore/internal/core"
)

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	res := Do(context.Background(), DefaultConfig(), func(ctx context.Context) core.ModelResult {
		calls++
		return core.ModelResult{Text: "ok"}
	})
	require.Nil(t, res.TerminalErr)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesOnceOnModelTransient(t *testing.T) {
	calls := 0
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	res := Do(context.Background(), cfg, func(ctx context.Context) core.ModelResult {
		calls++
		if calls == 1 {
			return core.ModelResult{TerminalErr: core.NewError(core.KindModelTransient, "backend hiccup", nil)}
		}
		return core.ModelResult{Text: "recovered"}
	})
	require.Nil(t, res.TerminalErr)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, 2, calls)
}

func TestDo_NeverRetriesModelPermanent(t *testing.T) {
	calls := 0
	res := Do(context.Background(), DefaultConfig(), func(ctx context.Context) core.ModelResult {
		calls++
		return core.ModelResult{TerminalErr: core.NewError(core.KindModelPermanent, "bad request", nil)}
	})
	require.NotNil(t, res.TerminalErr)
	assert.Equal(t, core.KindModelPermanent, res.TerminalErr.Kind)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetryBudgetAndReturnsLastError(t *testing.T) {
	calls := 0
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	res := Do(context.Background(), cfg, func(ctx context.Context) core.ModelResult {
		calls++
		return core.ModelResult{TerminalErr: core.NewError(core.KindTimeout, "still timing out", nil)}
	})
	require.NotNil(t, res.TerminalErr)
	assert.Equal(t, core.KindTimeout, res.TerminalErr.Kind)
	assert.Equal(t, cfg.MaxAttempts, calls)
}

func TestDo_CancellationAbortsWithoutExtraAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	res := Do(ctx, DefaultConfig(), func(ctx context.Context) core.ModelResult {
		calls++
		return core.ModelResult{Text: "should not run"}
	})
	require.NotNil(t, res.TerminalErr)
	assert.Equal(t, 0, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(core.NewError(core.KindModelTransient, "", nil)))
	assert.True(t, IsRetryable(core.NewError(core.KindTimeout, "", nil)))
	assert.False(t, IsRetryable(core.NewError(core.KindModelPermanent, "", nil)))
	assert.False(t, IsRetryable(nil))
}
