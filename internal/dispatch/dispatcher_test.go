package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-press/inkwell/internal/llm"
	"github.com/inkwell-press/inkwell/internal/pipeline"
	"github.com/inkwell-press/inkwell/internal/prompts"
	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/store/memstore"
	"github.com/inkwell-press/inkwell/internal/types"
)

var outputs = map[types.AgentKind]string{
	types.AgentMarketAnalysis: `{"primary_category":"upmarket fiction","target_readers":"book club readers","demand":"steady","risks":[]}`,
	types.AgentCompTitles:     `{"comps":[{"title":"A","author":"B","year":2020,"why":"w"},{"title":"C","author":"D","year":2021,"why":"w"},{"title":"E","author":"F","year":2022,"why":"w"}]}`,
	types.AgentPositioning:    `{"statement":"s","shelf":"fiction","price_band":"$4.99","launch_advice":["a"]}`,
}

// happyInvoker answers every agent with valid output.
type happyInvoker struct{}

func (happyInvoker) Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
	return &llm.CallOutcome{
		Text:     outputs[req.Meta.Agent],
		PriceUSD: 0.05,
		Attempts: 1,
		CallIDs:  []uuid.UUID{uuid.New()},
	}, nil
}

// blockingInvoker parks every call until its context dies.
type blockingInvoker struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingInvoker) Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, &llm.CallError{Kind: llm.FailureCancelled, Model: req.Model, Attempts: 1}
}

type fixture struct {
	store *memstore.Store
	disp  *Dispatcher
	man   *types.Manuscript
}

func newFixture(t *testing.T, invoker interface {
	Invoke(context.Context, llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError)
}) *fixture {
	t.Helper()
	ms := memstore.New()
	lib, err := prompts.NewLibrary()
	require.NoError(t, err)

	man := &types.Manuscript{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Title:   "The Glass Harbor",
		Genre:   "literary fiction",
	}
	ctx := context.Background()
	require.NoError(t, ms.CreateManuscript(ctx, man))
	require.NoError(t, ms.PutBlob(ctx, store.SourceKey(man.ID), []byte("The tide went out and did not come back.")))

	orch := pipeline.NewOrchestrator(ms, ms, ms, ms, lib, invoker)
	return &fixture{
		store: ms,
		disp:  NewDispatcher(ms, ms, orch, 2),
		man:   man,
	}
}

func TestAdmitRunsToCompletion(t *testing.T) {
	f := newFixture(t, happyInvoker{})

	id, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID:        f.man.OwnerID,
		ManuscriptID:   f.man.ID,
		PipelineSpecID: "market_only",
	})
	require.NoError(t, err)
	f.disp.Wait()

	r, err := f.store.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.ReportComplete, r.Status)
	assert.Len(t, r.Results, 3)
}

func TestAdmitUnknownManuscript(t *testing.T) {
	f := newFixture(t, happyInvoker{})

	_, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID:      f.man.OwnerID,
		ManuscriptID: uuid.New(),
	})
	var notFound *store.ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestAdmitWrongOwner(t *testing.T) {
	f := newFixture(t, happyInvoker{})

	_, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID:      uuid.New(),
		ManuscriptID: f.man.ID,
	})
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestAdmitUnknownPipeline(t *testing.T) {
	f := newFixture(t, happyInvoker{})

	_, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID:        f.man.OwnerID,
		ManuscriptID:   f.man.ID,
		PipelineSpecID: "no_such_pipeline",
	})
	var invalid *pipeline.ErrInvalidPipeline
	require.ErrorAs(t, err, &invalid)
}

func TestAdmitIdempotentUnderConcurrency(t *testing.T) {
	// Park the run so the first report stays live while others admit.
	inv := &blockingInvoker{started: make(chan struct{})}
	f := newFixture(t, inv)
	f.store.SetQuota(types.Quota{
		OwnerID:           f.man.OwnerID,
		MaxActiveReports:  10,
		MaxMonthlyCostUSD: 100,
		MaxCallsPerMinute: 600,
	})

	req := AdmitRequest{OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "market_only"}

	const n = 8
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.disp.Admit(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var winner uuid.UUID
	created := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			created++
			winner = ids[i]
		}
	}
	require.Equal(t, 1, created, "exactly one admission creates the report")
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			var already *ErrAlreadyRunning
			require.ErrorAs(t, errs[i], &already)
			assert.Equal(t, winner, already.ReportID)
		}
	}

	require.NoError(t, f.disp.Cancel(context.Background(), winner, f.man.OwnerID))
	f.disp.Wait()
}

func TestAdmitQuotaExhausted(t *testing.T) {
	inv := &blockingInvoker{started: make(chan struct{})}
	f := newFixture(t, inv)
	f.store.SetQuota(types.Quota{
		OwnerID:           f.man.OwnerID,
		MaxActiveReports:  1,
		MaxMonthlyCostUSD: 100,
		MaxCallsPerMinute: 600,
	})

	id, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "market_only",
	})
	require.NoError(t, err)

	// A different pipeline would be a new report, but the owner is at the
	// active limit.
	_, err = f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "full_analysis",
	})
	var quota *ErrQuotaExhausted
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 1, quota.Active)

	require.NoError(t, f.disp.Cancel(context.Background(), id, f.man.OwnerID))
	f.disp.Wait()
}

func TestAdmitActiveCapAtomicAcrossManuscripts(t *testing.T) {
	// Concurrent admissions for distinct manuscripts race for the owner's
	// single active slot: exactly one may win, the rest hit the quota.
	inv := &blockingInvoker{started: make(chan struct{})}
	f := newFixture(t, inv)
	f.store.SetQuota(types.Quota{
		OwnerID:           f.man.OwnerID,
		MaxActiveReports:  1,
		MaxMonthlyCostUSD: 100,
		MaxCallsPerMinute: 600,
	})

	ctx := context.Background()
	const n = 6
	mans := make([]*types.Manuscript, n)
	for i := 0; i < n; i++ {
		mans[i] = &types.Manuscript{
			ID:      uuid.New(),
			OwnerID: f.man.OwnerID,
			Title:   "Draft",
			Genre:   "literary fiction",
		}
		require.NoError(t, f.store.CreateManuscript(ctx, mans[i]))
		require.NoError(t, f.store.PutBlob(ctx, store.SourceKey(mans[i].ID), []byte("text")))
	}

	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.disp.Admit(ctx, AdmitRequest{
				OwnerID: f.man.OwnerID, ManuscriptID: mans[i].ID, PipelineSpecID: "market_only",
			})
		}(i)
	}
	wg.Wait()

	var winner uuid.UUID
	created := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			created++
			winner = ids[i]
		} else {
			var quota *ErrQuotaExhausted
			require.ErrorAs(t, errs[i], &quota)
			assert.Equal(t, 1, quota.Max)
		}
	}
	require.Equal(t, 1, created, "the active cap admits exactly one report")

	require.NoError(t, f.disp.Cancel(ctx, winner, f.man.OwnerID))
	f.disp.Wait()
}

func TestAdmitSpendCeiling(t *testing.T) {
	f := newFixture(t, happyInvoker{})
	f.store.SetQuota(types.Quota{
		OwnerID:           f.man.OwnerID,
		MaxActiveReports:  5,
		MaxMonthlyCostUSD: 1.00,
		MaxCallsPerMinute: 600,
	})
	require.NoError(t, f.store.Append(context.Background(), &types.AgentCall{
		OwnerID:  f.man.OwnerID,
		ReportID: uuid.New(),
		PriceUSD: 1.50,
		Status:   types.CallOK,
	}))

	_, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "market_only",
	})
	var ceiling *ErrSpendCeiling
	require.ErrorAs(t, err, &ceiling)
	assert.InDelta(t, 1.50, ceiling.SpentUSD, 1e-9)
}

func TestCancelLiveReport(t *testing.T) {
	inv := &blockingInvoker{started: make(chan struct{})}
	f := newFixture(t, inv)

	id, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "market_only",
	})
	require.NoError(t, err)

	<-inv.started
	require.NoError(t, f.disp.Cancel(context.Background(), id, f.man.OwnerID))
	f.disp.Wait()

	r, err := f.store.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.ReportFailed, r.Status)
	found := false
	for _, re := range r.Errors {
		if re.Reason == types.ReasonCancelled {
			found = true
		}
	}
	assert.True(t, found, "expected a cancelled error, got %+v", r.Errors)
}

func TestCancelChecksOwnership(t *testing.T) {
	inv := &blockingInvoker{started: make(chan struct{})}
	f := newFixture(t, inv)

	id, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "market_only",
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.disp.Cancel(context.Background(), id, uuid.New()), ErrNotOwner)

	var notFound *store.ErrNotFound
	require.ErrorAs(t, f.disp.Cancel(context.Background(), uuid.New(), f.man.OwnerID), &notFound)

	require.NoError(t, f.disp.Cancel(context.Background(), id, f.man.OwnerID))
	f.disp.Wait()
}

func TestCancelTerminalReportIsNoOp(t *testing.T) {
	f := newFixture(t, happyInvoker{})

	id, err := f.disp.Admit(context.Background(), AdmitRequest{
		OwnerID: f.man.OwnerID, ManuscriptID: f.man.ID, PipelineSpecID: "market_only",
	})
	require.NoError(t, err)
	f.disp.Wait()

	require.NoError(t, f.disp.Cancel(context.Background(), id, f.man.OwnerID))

	r, err := f.store.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.ReportComplete, r.Status)
}

func TestSweepStuckFailsAbandonedRuns(t *testing.T) {
	ms := memstore.New()
	past := time.Now().Add(-2 * time.Hour)
	ms.WithClock(func() time.Time { return past })

	ctx := context.Background()
	man := &types.Manuscript{ID: uuid.New(), OwnerID: uuid.New(), Title: "T"}
	require.NoError(t, ms.CreateManuscript(ctx, man))
	id, _, err := ms.CreateReport(ctx, man.ID, "full_analysis", man.OwnerID, 0)
	require.NoError(t, err)
	require.NoError(t, ms.Transition(ctx, id, types.ReportQueued, types.ReportRunning))
	ms.WithClock(time.Now)

	lib, err := prompts.NewLibrary()
	require.NoError(t, err)
	disp := NewDispatcher(ms, ms, pipeline.NewOrchestrator(ms, ms, ms, ms, lib, happyInvoker{}), 2)

	require.NoError(t, disp.SweepStuck(ctx, time.Hour))

	r, err := ms.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ReportFailed, r.Status)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, types.ReasonSupervisorTimeout, r.Errors[0].Reason)
}
