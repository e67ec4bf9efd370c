package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/accountant"
	"github.com/relayfin/llmcore/internal/budget"
	"github.com/relayfin/llmcore/internal/cache"
	"github.com/relayfin/llmcore/internal/config"
	"github.com/relayfin/llmcore/internal/contextassembler"
	"github.com/relayfin/llmcore/internal/core"
	"github.com/relayfin/llmcore/internal/coretest"
	"github.com/relayfin/llmcore/internal/dispatcher"
	"github.com/relayfin/llmcore/internal/intent"
	"github.com/relayfin/llmcore/internal/logger"
	"github.com/relayfin/llmcore/internal/providers"
	"github.com/relayfin/llmcore/internal/retry"
)

var (
	cfgPath string
	userID  string
)

func main() {
	// Best-effort local .env loading; a missing file is not an error,
	// it just means configuration comes entirely from the environment.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "corebench",
		Short: "Drive the request-routing core from stdin messages",
		Long: `corebench wires a Core from config, then reads lines from stdin
(or a fixture file) as chat messages for one user and prints each
Dispatch result, for local exploration of routing and budget decisions.`,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "directory containing config.yaml (default: current directory)")
	root.PersistentFlags().StringVar(&userID, "user", "demo-user", "user id to dispatch messages as")

	root.AddCommand(newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var fixturePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch each stdin (or fixture) line as one user message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if _, err := logger.Initialize(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath}); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			c := buildCore(cfg, logger.Get())

			var in *os.File
			if fixturePath != "" {
				f, err := os.Open(fixturePath)
				if err != nil {
					return fmt.Errorf("open fixture: %w", err)
				}
				defer f.Close()
				in = f
			} else {
				in = os.Stdin
			}

			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				message := scanner.Text()
				if message == "" {
					continue
				}
				resp := c.Dispatch(context.Background(), core.Request{UserId: userID, Message: message})
				printResponse(message, resp)
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&fixturePath, "fixture", "", "path to a newline-delimited message fixture instead of stdin")
	return cmd
}

func printResponse(message string, resp core.Response) {
	if resp.Err != nil {
		fmt.Printf("> %s\n  refused: %s (%s)\n", message, resp.Err.Kind, resp.Err.Detail)
		return
	}
	fmt.Printf("> %s\n  model=%s intent=%s cost=$%.6f tokens_in=%d tokens_out=%d latency_ms=%d\n  %s\n",
		message, resp.Model, resp.Intent, resp.CostUSD, resp.InputTokens, resp.OutputTokens, resp.LatencyMs, resp.Text)
}

// buildCore wires a Core from resolved configuration, using this module's
// in-memory coretest fakes for the four external collaborators — a real
// deployment supplies its own Postgres-backed (or similar) implementations.
// The cache layer and budget guard follow cfg.Cache.Backend: "redis" shares
// both across processes over one client, "memory" (the default) keeps
// everything in-process.
func buildCore(cfg *config.Config, log *zap.Logger) *dispatcher.Core {
	ledger := coretest.NewMemoryUsageLedger()
	profiles := coretest.NewMemoryProfileStore()
	lifeCtx := coretest.NewMemoryLifeContextProvider()

	var (
		layer cache.Layer
		guard *budget.Guard
	)

	budgetCfg := budget.Config{
		RequestsPerMinute: cfg.Budget.RequestsPerMinute,
		TokensPerDay:      cfg.Budget.TokensPerDay,
		CostPerDayUSD:     cfg.Budget.CostPerDayUSD,
	}

	if cfg.Cache.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			log.Fatal("invalid cache.redis_url", zap.Error(err))
		}
		client := redis.NewClient(opts)

		layer = cache.NewRedisLayer(client, log)
		guard = budget.NewWithRedis(budgetCfg, ledger, client, log)
	} else {
		layer = cache.NewMemoryLayer()
		guard = budget.New(budgetCfg, ledger, log)
	}

	utility := providers.NewUtility(providers.Options{
		APIKey: cfg.Models.Utility.APIKey, BaseURL: cfg.Models.Utility.BaseURL, Timeout: cfg.Models.Utility.Timeout,
	}, log)
	classifier := intent.New(utility, log)

	assembler := contextassembler.New(layer, contextassembler.Config{
		StaticTTL: cfg.Cache.StaticTTL, SlowTTL: cfg.Cache.SlowTTL, PromptPrefixTTL: cfg.Cache.PromptPrefixTTL,
	}, log)

	prices := core.PriceTable{
		core.ModelRoaster: {FreshInputPerMillion: 0.15, CachedInputPerMillion: 0.075, OutputPerMillion: 0.60},
		core.ModelAdvisor: {FreshInputPerMillion: 3.00, CachedInputPerMillion: 0.30, OutputPerMillion: 15.00},
		core.ModelUtility: {FreshInputPerMillion: 0.075, CachedInputPerMillion: 0.0375, OutputPerMillion: 0.30},
	}
	acct := accountant.New(prices, ledger, accountant.Config{
		SoftDeadline: cfg.Budget.LedgerSoftDeadline, BufferSize: cfg.Budget.LedgerBufferSize,
	}, log)

	return &dispatcher.Core{
		Guard:      guard,
		Classifier: classifier,
		Assembler:  assembler,
		Adapters: dispatcher.Adapters{
			Roaster: providers.NewRoaster(providers.Options{APIKey: cfg.Models.Roaster.APIKey, BaseURL: cfg.Models.Roaster.BaseURL, Timeout: cfg.Models.Roaster.Timeout}, log),
			Advisor: providers.NewAdvisor(providers.Options{APIKey: cfg.Models.Advisor.APIKey, BaseURL: cfg.Models.Advisor.BaseURL, Timeout: cfg.Models.Advisor.Timeout}, log),
			Utility: utility,
		},
		Accountant: acct,
		Profiles:   profiles,
		LifeCtx:    lifeCtx,
		RetryCfg:   retry.DefaultConfig(),
		Log:        log,
	}
}
