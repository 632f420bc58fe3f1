package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-press/inkwell/internal/chunker"
	"github.com/inkwell-press/inkwell/internal/llm"
	"github.com/inkwell-press/inkwell/internal/prompts"
	"github.com/inkwell-press/inkwell/internal/store/memstore"
	"github.com/inkwell-press/inkwell/internal/types"
)

// fakeInvoker routes every request through fn, counting invocations.
type fakeInvoker struct {
	mu    sync.Mutex
	count int
	fn    func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError)
}

func (f *fakeInvoker) Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func ok(text string, price float64) (*llm.CallOutcome, *llm.CallError) {
	return &llm.CallOutcome{
		Text:      text,
		TokensIn:  100,
		TokensOut: 50,
		PriceUSD:  price,
		Attempts:  1,
		CallIDs:   []uuid.UUID{uuid.New()},
	}, nil
}

const marketJSON = `{"primary_category":"upmarket fiction","target_readers":"book club readers","demand":"steady","risks":["crowded category"]}`

const editsJSON = `{"edits":[{"original":"teh","revised":"the","reason":"spelling"}]}`

func testLibrary(t *testing.T) *prompts.Library {
	t.Helper()
	lib, err := prompts.NewLibrary()
	require.NoError(t, err)
	return lib
}

func testManuscript() *types.Manuscript {
	return &types.Manuscript{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Title:   "The Glass Harbor",
		Genre:   "literary fiction",
	}
}

func TestRunWholeAgentComplete(t *testing.T) {
	invoker := &fakeInvoker{fn: func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		assert.Equal(t, types.AgentMarketAnalysis, req.Meta.Agent)
		assert.NotEmpty(t, req.Meta.InputHash)
		return ok(marketJSON, 0.05)
	}}
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 4)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       "The tide went out and did not come back.",
		Kind:       types.AgentMarketAnalysis,
	})

	assert.Equal(t, types.ResultComplete, result.Status)
	assert.JSONEq(t, marketJSON, string(result.Payload))
	assert.InDelta(t, 0.05, result.CostUSD, 1e-12)
	assert.Len(t, result.CallIDs, 1)
	assert.Nil(t, result.Error)
	assert.Equal(t, 1, invoker.calls())
}

func TestRunChunkedReducesInOrdinalOrder(t *testing.T) {
	text := strings.Repeat("One sentence here. ", 200) + "\n\n" + strings.Repeat("Another paragraph now. ", 200)
	chunks, err := chunker.Split(text, 300, chunker.StrategyParagraph)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	invoker := &fakeInvoker{fn: func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		require.NotNil(t, req.Meta.ChunkOrdinal)
		return ok(editsJSON, 0.01)
	}}
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 2)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       text,
		Kind:       types.AgentCopyEdit,
		Chunks:     chunks,
	})

	require.Equal(t, types.ResultComplete, result.Status)

	var reduced struct {
		Chunks []struct {
			Ordinal int             `json:"ordinal"`
			Result  json.RawMessage `json:"result"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(result.Payload, &reduced))
	require.Len(t, reduced.Chunks, len(chunks))
	for i, c := range reduced.Chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.JSONEq(t, editsJSON, string(c.Result))
	}
}

func TestRunDedupesIdenticalChunks(t *testing.T) {
	// Two chunks with byte-identical content produce one provider call.
	text := "Same same paragraph.\n\nSame same paragraph."
	chunks := []types.Chunk{
		{Ordinal: 0, Start: 0, End: 20, Tokens: 5, Boundary: types.BoundaryParagraph},
		{Ordinal: 1, Start: 22, End: 42, Tokens: 5, Boundary: types.BoundaryParagraph},
	}
	require.Equal(t, chunks[0].Content(text), chunks[1].Content(text))

	invoker := &fakeInvoker{fn: func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		return ok(editsJSON, 0.01)
	}}
	// fanout 1 so the second chunk sees the first's cached payload.
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 1)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       text,
		Kind:       types.AgentCopyEdit,
		Chunks:     chunks,
	})

	assert.Equal(t, types.ResultComplete, result.Status)
	assert.Equal(t, 1, invoker.calls())
	assert.InDelta(t, 0.01, result.CostUSD, 1e-12)
}

func TestRunRepairsMalformedOutput(t *testing.T) {
	invoker := &fakeInvoker{}
	invoker.fn = func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		if invoker.count == 1 {
			return ok("Sure! Here is the analysis you asked for.", 0.02)
		}
		assert.Contains(t, req.Messages[len(req.Messages)-1].Content, "Return only valid JSON")
		return ok(marketJSON, 0.02)
	}
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 4)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       "text",
		Kind:       types.AgentMarketAnalysis,
	})

	assert.Equal(t, types.ResultComplete, result.Status)
	assert.Equal(t, 2, invoker.calls())
	assert.InDelta(t, 0.04, result.CostUSD, 1e-12)
}

func TestRunParseFailureAfterRepair(t *testing.T) {
	ledger := memstore.New()
	invoker := &fakeInvoker{fn: func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		return ok("not json at all", 0.02)
	}}
	r := NewRunner(invoker, testLibrary(t), ledger, 4)

	reportID := uuid.New()
	result := r.Run(context.Background(), Task{
		ReportID:   reportID,
		Manuscript: testManuscript(),
		Text:       "text",
		Kind:       types.AgentMarketAnalysis,
	})

	assert.Equal(t, types.ResultFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.ReasonParseError, result.Error.Reason)
	assert.Equal(t, 2, invoker.calls())
	// Spend from both attempts is still attributed to the result.
	assert.InDelta(t, 0.04, result.CostUSD, 1e-12)

	calls, err := ledger.ListForReport(context.Background(), reportID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, types.CallParseError, calls[0].Status)
	assert.Zero(t, calls[0].PriceUSD)
}

func TestRunChunkedPartial(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here!"
	chunks := []types.Chunk{
		{Ordinal: 0, Start: 0, End: 23, Tokens: 5, Boundary: types.BoundaryParagraph},
		{Ordinal: 1, Start: 23, End: 45, Tokens: 5, Boundary: types.BoundaryParagraph},
	}

	invoker := &fakeInvoker{}
	invoker.fn = func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		if *req.Meta.ChunkOrdinal == 1 {
			return nil, &llm.CallError{Kind: llm.FailureClientError, Model: req.Model, Attempts: 1}
		}
		return ok(editsJSON, 0.01)
	}
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 1)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       text,
		Kind:       types.AgentCopyEdit,
		Chunks:     chunks,
	})

	assert.Equal(t, types.ResultPartial, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(llm.FailureClientError), result.Error.Reason)

	var reduced struct {
		Chunks []json.RawMessage `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(result.Payload, &reduced))
	assert.Len(t, reduced.Chunks, 1)
}

func TestRunBudgetExhausted(t *testing.T) {
	invoker := &fakeInvoker{fn: func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		t.Fatal("no call should be made")
		return nil, nil
	}}
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 4)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       "text",
		Kind:       types.AgentMarketAnalysis,
		Budget: func(ctx context.Context) error {
			return ErrBudgetExhausted
		},
	})

	assert.Equal(t, types.ResultFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.ReasonBudgetExhausted, result.Error.Reason)
	assert.Zero(t, result.CostUSD)
}

func TestRunDependencySlotsRendered(t *testing.T) {
	market := json.RawMessage(marketJSON)
	invoker := &fakeInvoker{fn: func(req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError) {
		user := req.Messages[1].Content
		assert.Contains(t, user, "upmarket fiction")
		assert.False(t, strings.Contains(user, "{{."), "unresolved placeholder")
		return ok(`{"elevator_pitch":"A town loses its sea.","taglines":["a","b","c"],"ad_headlines":["x","y","z"]}`, 0.01)
	}}
	r := NewRunner(invoker, testLibrary(t), memstore.New(), 4)

	result := r.Run(context.Background(), Task{
		ReportID:   uuid.New(),
		Manuscript: testManuscript(),
		Text:       "text",
		Kind:       types.AgentMarketingHooks,
		Deps:       map[types.AgentKind]json.RawMessage{types.AgentMarketAnalysis: market},
	})

	assert.Equal(t, types.ResultComplete, result.Status)
}
