// Package recovery turns transient failures into successful results. Each
// caught error maps to a strategy: retry with backoff, rebuild the session's
// browser context, try a fallback pass, or trip the circuit breaker.
package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/breaker"
	"github.com/browsergate/browsergate/internal/types"
)

// Strategy is the recovery action chosen for an error.
type Strategy string

const (
	StrategyNone            Strategy = "NONE"
	StrategyRetry           Strategy = "RETRY"
	StrategyRecreateContext Strategy = "RECREATE_CONTEXT"
	StrategyFallback        Strategy = "FALLBACK"
	StrategyCircuitBreak    Strategy = "CIRCUIT_BREAK"
)

// Outcome reports what the engine did. Attempts counts the initial try.
type Outcome struct {
	Recovered bool
	Strategy  Strategy
	Attempts  int
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) (any, error)

// SessionRecreator rebuilds a session's browser context in place. The
// session manager implements it.
type SessionRecreator interface {
	Recreate(ctx context.Context, sessionID string) error
}

type policy struct {
	strategy     Strategy
	maxAttempts  int // total attempts including the first
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
}

var retryDefault = policy{StrategyRetry, 3, 500 * time.Millisecond, 2, 5 * time.Second}

// policyFor selects the strategy for an error code. Codes absent from the
// table get NONE.
func policyFor(code types.Code) policy {
	switch code {
	case types.CodeTimeout, types.CodeNavigationFailed, types.CodeEvaluationFailed:
		return retryDefault
	case types.CodeElementNotFound:
		// Elements often appear after a short delay.
		return policy{StrategyRetry, 3, 250 * time.Millisecond, 2, 2 * time.Second}
	case types.CodeContextCrashed, types.CodePageCrashed:
		return policy{strategy: StrategyRecreateContext, maxAttempts: 2}
	case types.CodeInteractionFailed:
		return policy{strategy: StrategyFallback, maxAttempts: 2, initialDelay: 250 * time.Millisecond}
	case types.CodeRateLimitExceeded:
		return policy{StrategyRetry, 2, time.Second, 2, 10 * time.Second}
	case types.CodePermissionTimeout:
		return policy{StrategyRetry, 2, 500 * time.Millisecond, 2, 5 * time.Second}
	case types.CodeNetworkError, types.CodeServiceUnavailable:
		return retryDefault
	case types.CodeResourceExhausted:
		return policy{strategy: StrategyCircuitBreak, maxAttempts: 1}
	case types.CodeInternalError:
		return policy{StrategyRetry, 2, 500 * time.Millisecond, 2, 2 * time.Second}
	default:
		return policy{strategy: StrategyNone, maxAttempts: 1}
	}
}

// Engine applies recovery policies around failed operations.
type Engine struct {
	recreator SessionRecreator
	breakers  *breaker.Registry
}

// NewEngine builds the engine. breakers may be nil when circuit breaking is
// handled elsewhere; recreator may be nil for session-less deployments, in
// which case RECREATE_CONTEXT degrades to a plain failure.
func NewEngine(recreator SessionRecreator, breakers *breaker.Registry) *Engine {
	return &Engine{recreator: recreator, breakers: breakers}
}

// Execute runs op, applying the recovery policy on failure. sessionID may be
// empty for session-less operations; RECREATE_CONTEXT then fails cleanly.
func (e *Engine) Execute(ctx context.Context, opClass, sessionID string, op Operation) (any, Outcome, error) {
	value, err := op(ctx)
	if err == nil {
		return value, Outcome{Strategy: StrategyNone, Attempts: 1}, nil
	}

	gerr := types.AsError(err)
	if !gerr.Recoverable {
		return nil, Outcome{Strategy: StrategyNone, Attempts: 1}, gerr
	}

	pol := policyFor(gerr.Code)
	log.Debug().
		Str("op_class", opClass).
		Str("code", string(gerr.Code)).
		Str("strategy", string(pol.strategy)).
		Msg("Recovery engaged")

	switch pol.strategy {
	case StrategyRetry:
		return e.retry(ctx, pol, op, gerr)
	case StrategyRecreateContext:
		return e.recreate(ctx, sessionID, op, gerr)
	case StrategyFallback:
		return e.fallback(ctx, pol, op, gerr)
	case StrategyCircuitBreak:
		if e.breakers != nil {
			e.breakers.Get(opClass).ForceOpen()
			log.Warn().Str("op_class", opClass).Str("code", string(gerr.Code)).Msg("Circuit forced open")
		}
		return nil, Outcome{Strategy: StrategyCircuitBreak, Attempts: 1}, gerr
	default:
		return nil, Outcome{Strategy: StrategyNone, Attempts: 1}, gerr
	}
}

// retry re-runs op with exponential backoff until it succeeds, becomes
// non-retryable, or the attempt budget runs out.
func (e *Engine) retry(ctx context.Context, pol policy, op Operation, first *types.Error) (any, Outcome, error) {
	attempts := 1
	lastErr := error(first)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pol.initialDelay
	b.Multiplier = pol.multiplier
	b.MaxInterval = pol.maxDelay

	value, err := backoff.Retry(ctx, func() (any, error) {
		attempts++
		v, opErr := op(ctx)
		if opErr == nil {
			return v, nil
		}
		lastErr = opErr
		if ge := types.AsError(opErr); !ge.Retryable {
			return nil, backoff.Permanent(opErr)
		}
		return nil, opErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(pol.maxAttempts-1)))

	if err != nil {
		return nil, Outcome{Strategy: StrategyRetry, Attempts: attempts}, types.AsError(lastErr)
	}
	return value, Outcome{Recovered: true, Strategy: StrategyRetry, Attempts: attempts}, nil
}

// recreate rebuilds the session's context and runs op once more.
func (e *Engine) recreate(ctx context.Context, sessionID string, op Operation, first *types.Error) (any, Outcome, error) {
	if sessionID == "" || e.recreator == nil {
		err := types.ProtocolError(types.CodeInternalError,
			"context recreation requires a session").
			WithContext("cause", string(first.Code))
		return nil, Outcome{Strategy: StrategyRecreateContext, Attempts: 1}, err
	}

	if err := e.recreator.Recreate(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Context recreation failed")
		return nil, Outcome{Strategy: StrategyRecreateContext, Attempts: 1}, types.AsError(err)
	}

	value, err := op(ctx)
	if err != nil {
		return nil, Outcome{Strategy: StrategyRecreateContext, Attempts: 2}, types.AsError(err)
	}
	return value, Outcome{Recovered: true, Strategy: StrategyRecreateContext, Attempts: 2}, nil
}

// fallback waits briefly and gives the operation one alternative pass.
func (e *Engine) fallback(ctx context.Context, pol policy, op Operation, first *types.Error) (any, Outcome, error) {
	if pol.initialDelay > 0 {
		select {
		case <-time.After(pol.initialDelay):
		case <-ctx.Done():
			return nil, Outcome{Strategy: StrategyFallback, Attempts: 1}, first
		}
	}
	value, err := op(ctx)
	if err != nil {
		return nil, Outcome{Strategy: StrategyFallback, Attempts: 2}, types.AsError(err)
	}
	return value, Outcome{Recovered: true, Strategy: StrategyFallback, Attempts: 2}, nil
}
