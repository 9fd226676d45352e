package oracle

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roleplay-eval/internal/config"
	"github.com/sells-group/roleplay-eval/internal/resilience"
	"github.com/sells-group/roleplay-eval/pkg/anthropic"
	"github.com/sells-group/roleplay-eval/pkg/openai"
)

// NewGuard builds the rate limiter, breaker and retry policy for oracle calls.
func NewGuard(cfg config.OracleConfig) *resilience.Guard {
	breakerCfg := resilience.FromCircuitConfig(cfg.Circuit)
	breakerCfg.OnStateChange = resilience.BreakerLogger("oracle")
	// Only transport failures count; an answering provider is not down.
	breakerCfg.ShouldTrip = resilience.IsTransient

	retry := resilience.FromRetryConfig(cfg.Retry)
	retry.OnRetry = resilience.RetryLogger("oracle", "score")

	return &resilience.Guard{
		Service: "oracle",
		Limiter: resilience.NewLimiter(cfg.RatePerSec, cfg.RateBurst),
		Breaker: resilience.NewCircuitBreaker(breakerCfg),
		Retry:   retry,
	}
}

// New selects the provider named by oracle.provider.
func New(cfg *config.Config) (Oracle, error) {
	guard := NewGuard(cfg.Oracle)
	s := Settings{
		MaxTokens:   cfg.Oracle.MaxTokens,
		Temperature: cfg.Oracle.Temperature,
		Timeout:     time.Duration(cfg.Oracle.TimeoutSecs) * time.Second,
	}

	switch cfg.Oracle.Provider {
	case "", "anthropic":
		s.Model = cfg.Anthropic.Model
		return NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL), s, guard), nil
	case "openai":
		s.Model = cfg.OpenAI.Model
		return NewOpenAI(openai.NewClient(cfg.OpenAI.Key, cfg.OpenAI.BaseURL), s, guard), nil
	default:
		return nil, eris.Errorf("oracle: unknown provider %q", cfg.Oracle.Provider)
	}
}
