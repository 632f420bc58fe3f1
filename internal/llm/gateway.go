package llm

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

// Retry schedule defaults.
const (
	defaultMaxAttempts    = 4
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 30 * time.Second
	defaultAttemptTimeout = 2 * time.Minute
	defaultCallBudget     = 5 * time.Minute
)

// CallMeta carries the ledger attribution for one invocation.
type CallMeta struct {
	OwnerID       uuid.UUID
	ReportID      uuid.UUID
	Agent         types.AgentKind
	PromptVersion int
	ChunkOrdinal  *int
	InputHash     string
	Kind          types.LedgerKind
}

// InvokeRequest is one metered, retried provider invocation.
type InvokeRequest struct {
	Model           string
	Messages        []Message
	MaxOutputTokens int
	Temperature     float32
	Meta            CallMeta
}

// CallOutcome is the result of a successful Invoke. PriceUSD and CallIDs
// cover every attempt, not just the final one.
type CallOutcome struct {
	Text      string
	TokensIn  int
	TokensOut int
	PriceUSD  float64
	WallTime  time.Duration
	Attempts  int
	CallIDs   []uuid.UUID
}

// Gateway wraps a provider with retries, pricing, and ledger accounting.
// Every attempt, failed or not, is written to the ledger before Invoke
// returns.
type Gateway struct {
	provider       ProviderClient
	ledger         store.Ledger
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
	callBudget     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRetryPolicy overrides the attempt count and backoff bounds.
func WithRetryPolicy(maxAttempts int, base, max time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.maxAttempts = maxAttempts
		g.baseDelay = base
		g.maxDelay = max
	}
}

// WithAttemptTimeout overrides the per-attempt deadline.
func WithAttemptTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.attemptTimeout = d }
}

// WithCallBudget overrides the total-time budget for one Invoke, retries
// included.
func WithCallBudget(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.callBudget = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithSleep overrides the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = sleep }
}

// NewGateway creates a gateway over the given provider and ledger.
func NewGateway(provider ProviderClient, ledger store.Ledger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:       provider,
		ledger:         ledger,
		maxAttempts:    defaultMaxAttempts,
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		attemptTimeout: defaultAttemptTimeout,
		callBudget:     defaultCallBudget,
		now:            time.Now,
		sleep:          sleepCtx,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke runs the request with retries, bounded by the call budget: once the
// budget would not cover the next backoff, retrying stops and the last
// failure is returned. On success the outcome aggregates all attempts. On
// failure the CallError from the final attempt is returned with its Attempts
// counter filled in.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (*CallOutcome, *CallError) {
	outcome := &CallOutcome{}
	began := g.now()

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		start := g.now()
		comp, err := g.attempt(ctx, req)
		wall := g.now().Sub(start)
		outcome.Attempts = attempt

		if err == nil {
			price := Price(req.Model, comp.TokensIn, comp.TokensOut)
			id := g.record(ctx, req, attempt, comp.TokensIn, comp.TokensOut, price, types.CallOK, wall)
			outcome.Text = comp.Text
			outcome.TokensIn = comp.TokensIn
			outcome.TokensOut = comp.TokensOut
			outcome.PriceUSD += price
			outcome.WallTime += wall
			outcome.CallIDs = append(outcome.CallIDs, id)
			return outcome, nil
		}

		cerr := classify(req.Model, err)
		cerr.Attempts = attempt

		status := types.CallPermanentError
		if cerr.Retryable() {
			status = types.CallRetryableError
		}
		id := g.record(ctx, req, attempt, 0, 0, 0, status, wall)
		outcome.WallTime += wall
		outcome.CallIDs = append(outcome.CallIDs, id)

		if !cerr.Retryable() || attempt == g.maxAttempts {
			return nil, cerr
		}

		delay := g.backoff(attempt)
		if cerr.RetryAfter > delay {
			delay = cerr.RetryAfter
		}
		if g.callBudget > 0 && g.now().Sub(began)+delay >= g.callBudget {
			log.Printf("[llm] %s call budget %s exhausted after attempt %d/%d, not retrying",
				req.Meta.Agent, g.callBudget, attempt, g.maxAttempts)
			return nil, cerr
		}
		log.Printf("[llm] %s attempt %d/%d failed (%s), retrying in %s",
			req.Meta.Agent, attempt, g.maxAttempts, cerr.Kind, delay)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, &CallError{Kind: FailureCancelled, Model: req.Model, Attempts: attempt, Err: err}
		}
	}

	// Unreachable: the loop always returns.
	return nil, &CallError{Kind: FailureTransport, Model: req.Model, Attempts: g.maxAttempts}
}

// attempt runs one provider call under the per-attempt deadline. A deadline
// hit on the attempt context while the parent is still live classifies as
// transport; a dead parent classifies as cancelled.
func (g *Gateway) attempt(ctx context.Context, req InvokeRequest) (*Completion, error) {
	actx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	comp, err := g.provider.Complete(actx, CompletionRequest{
		Model:           req.Model,
		Messages:        req.Messages,
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
	})
	if err != nil && ctx.Err() != nil {
		return nil, context.Canceled
	}
	return comp, err
}

// record appends one ledger row. Ledger failures are logged, never allowed
// to mask the call outcome.
func (g *Gateway) record(ctx context.Context, req InvokeRequest, attempt, in, out int, price float64, status types.CallStatus, wall time.Duration) uuid.UUID {
	kind := req.Meta.Kind
	if kind == "" {
		kind = types.LedgerCall
	}
	call := &types.AgentCall{
		OwnerID:       req.Meta.OwnerID,
		ReportID:      req.Meta.ReportID,
		Agent:         req.Meta.Agent,
		PromptVersion: req.Meta.PromptVersion,
		ChunkOrdinal:  req.Meta.ChunkOrdinal,
		InputHash:     req.Meta.InputHash,
		Model:         req.Model,
		TokensIn:      in,
		TokensOut:     out,
		PriceUSD:      price,
		Status:        status,
		WallTime:      wall,
		Attempt:       attempt,
		Kind:          kind,
		CreatedAt:     g.now(),
	}
	if err := g.ledger.Append(context.WithoutCancel(ctx), call); err != nil {
		log.Printf("[llm] ledger append failed for report %s: %v", req.Meta.ReportID, err)
	}
	return call.ID
}

// backoff computes the exponential delay for the given attempt with ±25%
// jitter, capped at maxDelay.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.baseDelay << (attempt - 1)
	if d > g.maxDelay {
		d = g.maxDelay
	}
	g.mu.Lock()
	f := 0.75 + g.rng.Float64()*0.5
	g.mu.Unlock()
	d = time.Duration(float64(d) * f)
	if d > g.maxDelay {
		d = g.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
