// Package oracle calls the external scoring oracle and enforces its transport
// and response-shape contracts. It never interprets rubric semantics.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/prompt"
	"github.com/sells-group/roleplay-eval/internal/resilience"
)

// Oracle grades a rendered prompt.
type Oracle interface {
	Score(ctx context.Context, p prompt.Payload) (*Response, error)
}

// RawItem is one untrusted criteriaScores entry exactly as decoded.
type RawItem map[string]any

// Response is a shape-validated oracle answer. Items are still untrusted.
type Response struct {
	// TotalScore is nil only when built by hand; Parse always sets it.
	TotalScore     *float64
	SummaryComment string
	Items          []RawItem
	// Skipped counts criteriaScores entries that were not JSON objects.
	Skipped int
	Model   string
	Usage   Usage
}

// Usage is the provider-neutral token count of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Settings are the per-call knobs shared by every provider.
type Settings struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
}

// completion is the raw text a provider returned.
type completion struct {
	Text  string
	Model string
	Usage Usage
}

// backend is one provider's request/response mapping.
type backend interface {
	name() string
	complete(ctx context.Context, p prompt.Payload) (*completion, error)
	// statusCode reports whether err is a non-success HTTP answer.
	statusCode(err error) (int, bool)
}

// client applies the timeout, guard and contract checks around a backend.
type client struct {
	backend backend
	timeout time.Duration
	guard   *resilience.Guard
}

func newClient(b backend, timeout time.Duration, guard *resilience.Guard) *client {
	if guard == nil {
		guard = &resilience.Guard{Service: b.name(), Retry: resilience.RetryConfig{MaxAttempts: 1}}
	}
	return &client{backend: b, timeout: timeout, guard: guard}
}

// Score calls the provider and validates the answer's shape.
func (c *client) Score(ctx context.Context, p prompt.Payload) (*Response, error) {
	start := time.Now()
	comp, err := resilience.Run(ctx, c.guard, func(ctx context.Context) (*completion, error) {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		comp, err := c.backend.complete(callCtx, p)
		if err != nil {
			if _, ok := c.backend.statusCode(err); ok {
				return nil, err
			}
			return nil, resilience.NewTransientError(err, 0)
		}
		return comp, nil
	})
	if err != nil {
		return nil, c.classify(err)
	}

	resp, err := Parse(comp.Text)
	if err != nil {
		zap.L().Warn("oracle: response failed shape validation",
			zap.String("provider", c.backend.name()),
			zap.Int("body_len", len(comp.Text)),
			zap.Error(err),
		)
		return nil, err
	}
	resp.Model = comp.Model
	resp.Usage = comp.Usage

	zap.L().Debug("oracle: scored",
		zap.String("provider", c.backend.name()),
		zap.String("model", comp.Model),
		zap.Int("items", len(resp.Items)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

func (c *client) classify(err error) error {
	op := "oracle: " + c.backend.name()
	if code, ok := c.backend.statusCode(err); ok {
		return model.NewError(model.KindOracleContractViolation, op, eris.Errorf("non-success status %d: %v", code, err))
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.NewError(model.KindOracleTransport, op, eris.Wrap(err, "fail fast"))
	}
	return model.NewError(model.KindOracleTransport, op, err)
}
