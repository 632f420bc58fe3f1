package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/inkwell-press/inkwell/internal/store/memstore"
	"github.com/inkwell-press/inkwell/internal/types"
)

// fakeProvider replays a scripted sequence of results.
type fakeProvider struct {
	results []fakeResult
	calls   int
}

type fakeResult struct {
	comp *Completion
	err  error
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if f.calls >= len(f.results) {
		return nil, fmt.Errorf("unexpected call %d", f.calls)
	}
	r := f.results[f.calls]
	f.calls++
	return r.comp, r.err
}

func (f *fakeProvider) Close() error { return nil }

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func testMeta() CallMeta {
	return CallMeta{
		OwnerID:       uuid.New(),
		ReportID:      uuid.New(),
		Agent:         types.AgentMarketAnalysis,
		PromptVersion: 1,
		InputHash:     "abc123",
	}
}

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{comp: &Completion{Text: `{"ok":true}`, TokensIn: 1000, TokensOut: 500}},
	}}
	g := NewGateway(provider, ledger)

	meta := testMeta()
	out, cerr := g.Invoke(context.Background(), InvokeRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Meta:     meta,
	})
	require.Nil(t, cerr)
	assert.Equal(t, `{"ok":true}`, out.Text)
	assert.Equal(t, 1, out.Attempts)
	assert.InDelta(t, Price("gpt-4o-mini", 1000, 500), out.PriceUSD, 1e-12)
	require.Len(t, out.CallIDs, 1)

	calls, err := ledger.ListForReport(context.Background(), meta.ReportID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.CallOK, calls[0].Status)
	assert.Equal(t, 1, calls[0].Attempt)
	assert.Equal(t, "abc123", calls[0].InputHash)
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{err: &googleapi.Error{Code: 503}},
		{err: &googleapi.Error{Code: 429}},
		{comp: &Completion{Text: "done", TokensIn: 10, TokensOut: 5}},
	}}
	var delays []time.Duration
	g := NewGateway(provider, ledger, WithSleep(noSleep(&delays)))

	meta := testMeta()
	out, cerr := g.Invoke(context.Background(), InvokeRequest{Model: "gemini-2.5-flash", Meta: meta})
	require.Nil(t, cerr)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, out.CallIDs, 3)
	assert.Len(t, delays, 2)

	calls, err := ledger.ListForReport(context.Background(), meta.ReportID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, types.CallRetryableError, calls[0].Status)
	assert.Equal(t, types.CallRetryableError, calls[1].Status)
	assert.Equal(t, types.CallOK, calls[2].Status)
	assert.Zero(t, calls[0].PriceUSD)
}

func TestInvokePermanentErrorNoRetry(t *testing.T) {
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{err: &googleapi.Error{Code: 400, Message: "bad request"}},
	}}
	g := NewGateway(provider, ledger)

	meta := testMeta()
	out, cerr := g.Invoke(context.Background(), InvokeRequest{Model: "gemini-2.5-flash", Meta: meta})
	assert.Nil(t, out)
	require.NotNil(t, cerr)
	assert.Equal(t, FailureClientError, cerr.Kind)
	assert.False(t, cerr.Retryable())
	assert.Equal(t, 1, cerr.Attempts)
	assert.Equal(t, 1, provider.calls)

	calls, err := ledger.ListForReport(context.Background(), meta.ReportID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.CallPermanentError, calls[0].Status)
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{err: &googleapi.Error{Code: 500}},
		{err: &googleapi.Error{Code: 500}},
		{err: &googleapi.Error{Code: 500}},
		{err: &googleapi.Error{Code: 500}},
	}}
	var delays []time.Duration
	g := NewGateway(provider, ledger, WithSleep(noSleep(&delays)))

	meta := testMeta()
	_, cerr := g.Invoke(context.Background(), InvokeRequest{Model: "gpt-4o", Meta: meta})
	require.NotNil(t, cerr)
	assert.Equal(t, FailureServerError, cerr.Kind)
	assert.Equal(t, 4, cerr.Attempts)
	// Three sleeps between four attempts, none after the last.
	assert.Len(t, delays, 3)

	calls, err := ledger.ListForReport(context.Background(), meta.ReportID)
	require.NoError(t, err)
	assert.Len(t, calls, 4)
}

func TestInvokeHonorsRetryAfter(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Retry-After", "45")
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{err: &googleapi.Error{Code: 429, Header: hdr}},
		{comp: &Completion{Text: "ok", TokensIn: 1, TokensOut: 1}},
	}}
	var delays []time.Duration
	g := NewGateway(provider, ledger, WithSleep(noSleep(&delays)))

	_, cerr := g.Invoke(context.Background(), InvokeRequest{Model: "gpt-4o", Meta: testMeta()})
	require.Nil(t, cerr)
	require.Len(t, delays, 1)
	// Server's 45s wins over the first-attempt backoff.
	assert.Equal(t, 45*time.Second, delays[0])
}

func TestInvokeCallBudgetStopsRetries(t *testing.T) {
	// The single 503 is retryable and attempts remain, but the clock has
	// burned through the call budget: Invoke returns the failure instead of
	// sleeping into another attempt.
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{err: &googleapi.Error{Code: 503}},
	}}
	base := time.Now()
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	var delays []time.Duration
	g := NewGateway(provider, ledger,
		WithClock(clock),
		WithSleep(noSleep(&delays)),
		WithCallBudget(2*time.Minute),
	)

	meta := testMeta()
	out, cerr := g.Invoke(context.Background(), InvokeRequest{Model: "gpt-4o", Meta: meta})
	assert.Nil(t, out)
	require.NotNil(t, cerr)
	assert.Equal(t, FailureServerError, cerr.Kind)
	assert.Equal(t, 1, cerr.Attempts)
	assert.Equal(t, 1, provider.calls)
	assert.Empty(t, delays)

	// The spent attempt is still on the ledger.
	calls, err := ledger.ListForReport(context.Background(), meta.ReportID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.CallRetryableError, calls[0].Status)
}

func TestInvokeCancelledDuringBackoff(t *testing.T) {
	ledger := memstore.New()
	provider := &fakeProvider{results: []fakeResult{
		{err: &googleapi.Error{Code: 503}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGateway(provider, ledger, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, cerr := g.Invoke(ctx, InvokeRequest{Model: "gpt-4o", Meta: testMeta()})
	require.NotNil(t, cerr)
	assert.Equal(t, FailureCancelled, cerr.Kind)
	assert.Equal(t, 1, provider.calls)
}

func TestBackoffBounds(t *testing.T) {
	g := NewGateway(&fakeProvider{}, memstore.New())
	for attempt := 1; attempt <= 10; attempt++ {
		d := g.backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, defaultMaxDelay)
	}
	// First-attempt backoff stays within the jitter band around 500ms.
	for i := 0; i < 50; i++ {
		d := g.backoff(1)
		assert.GreaterOrEqual(t, d, 375*time.Millisecond)
		assert.LessOrEqual(t, d, 625*time.Millisecond)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      FailureKind
		retryable bool
	}{
		{"rate limit", &googleapi.Error{Code: 429}, FailureRateLimited, true},
		{"server error", &googleapi.Error{Code: 502}, FailureServerError, true},
		{"client error", &googleapi.Error{Code: 404}, FailureClientError, false},
		{"cancelled", context.Canceled, FailureCancelled, false},
		{"deadline", context.DeadlineExceeded, FailureTransport, true},
		{"plain network", errors.New("connection reset"), FailureTransport, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := classify("gpt-4o", tt.err)
			assert.Equal(t, tt.want, ce.Kind)
			assert.Equal(t, tt.retryable, ce.Retryable())
		})
	}
}
