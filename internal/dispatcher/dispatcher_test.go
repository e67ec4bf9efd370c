package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/accountant"
	"github.com/relayfin/llmcore/internal/budget"
	"github.com/relayfin/llmcore/internal/cache"
	"github.com/relayfin/llmcore/internal/contextassembler"
	"github.com/relayfin/llmcore/internal/core"
	"github.com/relayfin/llmcore/internal/coretest"
	"github.com/relayfin/llmcore/internal/intent"
	"github.com/relayfin/llmcore/internal/providers"
	"github.com/relayfin/llmcore/internal/retry"
)

func roasterStub(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"nice try pal"}}],
			"usage":{"prompt_tokens":20,"completion_tokens":10,"prompt_tokens_details":{"cached_tokens":0}}}`))
	}))
}

func advisorStub(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"think it over for a week"}],
			"usage":{"input_tokens":200,"output_tokens":80,"cache_read_input_tokens":150}}`))
	}))
}

func utilityClassifyStub(t *testing.T, label string, confidence float64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"intent\":\"` + label + `\",\"confidence\":` +
			formatConfidence(confidence) + `}"}]}}],
			"usageMetadata":{"promptTokenCount":15,"candidatesTokenCount":8,"cachedContentTokenCount":0}}`))
	}))
}

func formatConfidence(c float64) string {
	if c == 0.78 {
		return "0.78"
	}
	return "0.5"
}

func timeoutStub(delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
}

type testHarness struct {
	core   *Core
	ledger *coretest.MemoryUsageLedger
}

func newHarness(t *testing.T, roasterURL, advisorURL, utilityURL string, budgetCfg budget.Config) testHarness {
	log := zap.NewNop()
	ledger := coretest.NewMemoryUsageLedger()
	guard := budget.New(budgetCfg, ledger, log)

	var remote intent.RemoteClassifier
	if utilityURL != "" {
		remote = providers.NewUtility(providers.Options{BaseURL: utilityURL, APIKey: "k"}, log)
	}
	classifier := intent.New(remote, log)

	layer := cache.NewMemoryLayer()
	assembler := contextassembler.New(layer, contextassembler.Config{StaticTTL: time.Hour, SlowTTL: time.Hour}, log)

	prices := core.PriceTable{
		core.ModelRoaster: {FreshInputPerMillion: 0.15, CachedInputPerMillion: 0.075, OutputPerMillion: 0.60},
		core.ModelAdvisor: {FreshInputPerMillion: 3.00, CachedInputPerMillion: 0.30, OutputPerMillion: 15.00},
		core.ModelUtility: {FreshInputPerMillion: 0.075, CachedInputPerMillion: 0.0375, OutputPerMillion: 0.30},
	}
	acct := accountant.New(prices, ledger, accountant.Config{SoftDeadline: 100 * time.Millisecond}, log)

	adapters := Adapters{
		Roaster: providers.NewRoaster(providers.Options{BaseURL: roasterURL, APIKey: "k"}, log),
		Advisor: providers.NewAdvisor(providers.Options{BaseURL: advisorURL, APIKey: "k"}, log),
	}
	if utilityURL != "" {
		adapters.Utility = providers.NewUtility(providers.Options{BaseURL: utilityURL, APIKey: "k"}, log)
	}

	c := &Core{
		Guard:      guard,
		Classifier: classifier,
		Assembler:  assembler,
		Adapters:   adapters,
		Accountant: acct,
		RetryCfg:   retry.Config{MaxAttempts: 1},
		Log:        log,
	}
	return testHarness{core: c, ledger: ledger}
}

func TestDispatch_S1_RateLimitedAfterTenRequests(t *testing.T) {
	rs := roasterStub(t)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	h := newHarness(t, rs.URL, as.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	for i := 0; i < 10; i++ {
		resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u1", Message: "hi"})
		require.Nil(t, resp.Err, "request %d should succeed", i+1)
		assert.Equal(t, core.ModelRoaster, resp.Model)
	}

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u1", Message: "hi"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, core.KindRateExceeded, resp.Err.Kind)
}

func TestDispatch_S2_TokenBudgetExceededOnForwardEstimate(t *testing.T) {
	rs := roasterStub(t)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	h := newHarness(t, rs.URL, as.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 100_000, CostPerDayUSD: 100})
	h.ledger.Seed("u2", core.DailyBudget{Requests: 50, InputTokens: 99_500, OutputTokens: 0, CostUSD: 0.10})

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u2", Message: "should I buy a new phone?"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, core.KindTokenBudgetExceeded, resp.Err.Kind)
}

func TestDispatch_S3_LocalRoastRoutesToRoasterNoRemoteCall(t *testing.T) {
	rs := roasterStub(t)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	remoteCalls := 0
	us := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer us.Close()

	h := newHarness(t, rs.URL, as.URL, us.URL, budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u3", Message: "roast my coffee spending"})
	require.Nil(t, resp.Err)
	assert.Equal(t, core.ModelRoaster, resp.Model)
	assert.Equal(t, core.IntentRoast, resp.Intent)
	assert.Equal(t, 0, remoteCalls)
}

func TestDispatch_S4_LocalAdviceRoutesToAdvisor(t *testing.T) {
	rs := roasterStub(t)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	h := newHarness(t, rs.URL, as.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u4", Message: "is it worth buying this $800 chair?"})
	require.Nil(t, resp.Err)
	assert.Equal(t, core.ModelAdvisor, resp.Model)
	assert.Equal(t, core.IntentAdvice, resp.Intent)
}

func TestDispatch_S5_RemoteClassificationRoutesToAdvisorAndBillsUtility(t *testing.T) {
	rs := roasterStub(t)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()
	us := utilityClassifyStub(t, "advice", 0.78)
	defer us.Close()

	h := newHarness(t, rs.URL, as.URL, us.URL, budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u5", Message: "please enumerate my merchant patterns"})
	require.Nil(t, resp.Err)
	assert.Equal(t, core.ModelAdvisor, resp.Model)
	assert.Equal(t, core.IntentAdvice, resp.Intent)

	time.Sleep(20 * time.Millisecond)
	sum, err := h.ledger.SumToday(context.Background(), "u5")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Requests, "one classification event plus one advisor event")
}

func TestDispatch_S6_TimeoutFallsBackToSyntheticModel(t *testing.T) {
	rs := timeoutStub(100 * time.Millisecond)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	h := newHarness(t, rs.URL, as.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})
	h.core.Adapters.Roaster = providers.NewRoaster(providers.Options{BaseURL: rs.URL, APIKey: "k", Timeout: 10 * time.Millisecond}, zap.NewNop())

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u6", Message: "roast me"})
	require.Nil(t, resp.Err)
	assert.Equal(t, core.ModelSyntheticFallback, resp.Model)
	assert.Equal(t, 0, resp.InputTokens)
	assert.Equal(t, 0, resp.OutputTokens)
	assert.Equal(t, 0.0, resp.CostUSD)
}

func TestDispatch_P8_ModelTransientNeverFailsOverToAnotherAdapter(t *testing.T) {
	// Roaster is unreachable entirely; Advisor is healthy. The roast
	// intent must still produce a synthetic fallback, never an Advisor call.
	as := advisorStub(t)
	defer as.Close()
	advisorCalls := 0
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		advisorCalls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer wrapped.Close()

	h := newHarness(t, "http://127.0.0.1:1", wrapped.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	resp := h.core.Dispatch(context.Background(), core.Request{UserId: "u7", Message: "roast my spending please"})
	require.Nil(t, resp.Err)
	assert.Equal(t, core.ModelSyntheticFallback, resp.Model)
	assert.Equal(t, 0, advisorCalls)
}

func TestDispatch_P6_CancellationReturnsPromptly(t *testing.T) {
	rs := timeoutStub(5 * time.Second)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	h := newHarness(t, rs.URL, as.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp := h.core.Dispatch(ctx, core.Request{UserId: "u8", Message: "roast me"})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 200*time.Millisecond)
	assert.Equal(t, core.ModelSyntheticFallback, resp.Model)
}

func TestDispatch_P4_RoutingTableIsRespected(t *testing.T) {
	rs := roasterStub(t)
	defer rs.Close()
	as := advisorStub(t)
	defer as.Close()

	h := newHarness(t, rs.URL, as.URL, "", budget.Config{RequestsPerMinute: 10, TokensPerDay: 1_000_000, CostPerDayUSD: 100})

	sensitive := h.core.Dispatch(context.Background(), core.Request{UserId: "u9", Message: "this is broken, please fix"})
	require.Nil(t, sensitive.Err)
	assert.Equal(t, core.ModelAdvisor, sensitive.Model)
}
