package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-press/inkwell/internal/agent"
	"github.com/inkwell-press/inkwell/internal/chunker"
	"github.com/inkwell-press/inkwell/internal/prompts"
	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

// Orchestrator executes report runs: it schedules the spec's agents in
// dependency order with bounded fan-out, persists each result as it settles,
// and drives the report to its terminal status.
type Orchestrator struct {
	reports store.Reports
	blobs   store.Blobs
	ledger  store.Ledger
	quotas  store.Quotas
	library *prompts.Library
	invoker agent.Invoker
	now     func() time.Time
}

// NewOrchestrator wires an orchestrator over the given persistence and
// gateway surfaces.
func NewOrchestrator(reports store.Reports, blobs store.Blobs, ledger store.Ledger, quotas store.Quotas, library *prompts.Library, invoker agent.Invoker) *Orchestrator {
	return &Orchestrator{
		reports: reports,
		blobs:   blobs,
		ledger:  ledger,
		quotas:  quotas,
		library: library,
		invoker: invoker,
		now:     time.Now,
	}
}

// Run is one report execution request. Text is the full manuscript body.
type Run struct {
	ReportID   uuid.UUID
	Manuscript *types.Manuscript
	Text       string
	Spec       *Spec
}

type chunkKey struct {
	strategy  chunker.Strategy
	maxTokens int
}

// Execute runs the report to a terminal state. The returned error covers
// orchestration-level failures only; agent failures are folded into the
// report.
func (o *Orchestrator) Execute(ctx context.Context, run Run) error {
	spec := run.Spec

	if err := o.reports.Transition(ctx, run.ReportID, types.ReportQueued, types.ReportRunning); err != nil {
		return fmt.Errorf("failed to start report %s: %w", run.ReportID, err)
	}
	log.Printf("[pipeline] report %s running (%s, %d agents)", run.ReportID, spec.ID, len(spec.Agents))

	chunkSets, chunkErrs := o.chunkAll(run.Text, spec)

	runner := agent.NewRunner(o.invoker, o.library, o.ledger, spec.MaxFanout)
	budget := o.budgetFunc(run.ReportID, run.Manuscript.OwnerID, spec.MaxCostUSD)

	var mu sync.Mutex
	results := make(map[types.AgentKind]types.AgentResult, len(spec.Agents))
	pending := make(map[types.AgentKind]*AgentSpec, len(spec.Agents))
	for i := range spec.Agents {
		pending[spec.Agents[i].Kind] = &spec.Agents[i]
	}

	for len(pending) > 0 {
		ready := readySet(pending, results)
		if len(ready) == 0 {
			// Unreachable for a validated spec.
			return &ErrInvalidPipeline{ID: spec.ID, Reason: "scheduling stalled"}
		}

		var g errgroup.Group
		g.SetLimit(spec.MaxFanout)
		for _, a := range ready {
			g.Go(func() error {
				mu.Lock()
				deps, blocked := depState(a, results)
				mu.Unlock()

				res := o.runAgent(ctx, runner, run, a, deps, blocked, chunkSets[chunkKey{a.Strategy, a.MaxTokensPerChunk}], chunkErrs[chunkKey{a.Strategy, a.MaxTokensPerChunk}], budget)
				o.persistResult(ctx, run.ReportID, res)

				mu.Lock()
				results[a.Kind] = res
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
		for _, a := range ready {
			delete(pending, a.Kind)
		}
	}

	return o.finish(ctx, run, results)
}

// chunkAll precomputes the chunk set for every chunked strategy the spec
// uses.
func (o *Orchestrator) chunkAll(text string, spec *Spec) (map[chunkKey][]types.Chunk, map[chunkKey]error) {
	sets := make(map[chunkKey][]types.Chunk)
	errs := make(map[chunkKey]error)
	for _, a := range spec.Agents {
		if a.Strategy == chunker.StrategyWhole {
			continue
		}
		key := chunkKey{a.Strategy, a.MaxTokensPerChunk}
		if _, seen := sets[key]; seen || errs[key] != nil {
			continue
		}
		chunks, err := chunker.Split(text, a.MaxTokensPerChunk, a.Strategy)
		if err != nil {
			errs[key] = err
			continue
		}
		sets[key] = chunks
	}
	return sets, errs
}

// budgetFunc builds the per-call spend guard: the next call is refused once
// the report's ledger sum has reached the spec ceiling, or once the owner's
// spend this billing month has reached their monthly quota. Admission checks
// the monthly budget too, but a long-running report can cross the line
// mid-flight, so every call re-checks it.
func (o *Orchestrator) budgetFunc(reportID, ownerID uuid.UUID, ceiling float64) agent.BudgetFunc {
	return func(ctx context.Context) error {
		sum, err := o.ledger.SumForReport(ctx, reportID)
		if err != nil {
			return err
		}
		if sum >= ceiling {
			return fmt.Errorf("%w: spent $%.4f of $%.2f", agent.ErrBudgetExhausted, sum, ceiling)
		}

		quota, err := o.quotas.GetQuota(ctx, ownerID)
		if err != nil {
			return err
		}
		monthly, err := o.ledger.SumForOwner(ctx, ownerID, store.MonthStart(o.now()))
		if err != nil {
			return err
		}
		if monthly >= quota.MaxMonthlyCostUSD {
			return fmt.Errorf("%w: owner spent $%.4f of $%.2f this month", agent.ErrBudgetExhausted, monthly, quota.MaxMonthlyCostUSD)
		}
		return nil
	}
}

// readySet returns the pending agents whose every ordering edge has settled.
func readySet(pending map[types.AgentKind]*AgentSpec, results map[types.AgentKind]types.AgentResult) []*AgentSpec {
	var ready []*AgentSpec
	for _, a := range pending {
		ok := true
		for _, dep := range a.edges() {
			if _, settled := results[dep]; !settled {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, a)
		}
	}
	return ready
}

// depState collects the usable dependency payloads for an agent and reports
// whether a hard dependency failed. Partial dependencies still contribute
// their payloads.
func depState(a *AgentSpec, results map[types.AgentKind]types.AgentResult) (map[types.AgentKind][]byte, bool) {
	deps := make(map[types.AgentKind][]byte)
	blocked := false
	for _, kind := range a.DependsOn {
		res := results[kind]
		if res.Status != types.ResultComplete && res.Status != types.ResultPartial {
			blocked = true
			continue
		}
		deps[kind] = res.Payload
	}
	for _, kind := range a.Optional {
		res := results[kind]
		if res.Status == types.ResultComplete || res.Status == types.ResultPartial {
			deps[kind] = res.Payload
		}
	}
	return deps, blocked
}

func (o *Orchestrator) runAgent(ctx context.Context, runner *agent.Runner, run Run, a *AgentSpec, deps map[types.AgentKind][]byte, blocked bool, chunks []types.Chunk, chunkErr error, budget agent.BudgetFunc) types.AgentResult {
	skip := func(reason, message string) types.AgentResult {
		return types.AgentResult{
			ReportID:     run.ReportID,
			ManuscriptID: run.Manuscript.ID,
			Kind:         a.Kind,
			Status:       types.ResultSkipped,
			Error:        &types.ErrorDescriptor{Reason: reason, Message: message},
		}
	}

	if err := ctx.Err(); err != nil {
		return skip(cancelReason(ctx), err.Error())
	}
	if blocked {
		return skip(types.ReasonDependencyFailed, "a required upstream agent did not produce output")
	}
	if chunkErr != nil {
		res := skip("chunking_failed", chunkErr.Error())
		res.Status = types.ResultFailed
		return res
	}
	if err := budget(ctx); err != nil {
		return skip(types.ReasonBudgetExhausted, err.Error())
	}

	task := agent.Task{
		ReportID:      run.ReportID,
		Manuscript:    run.Manuscript,
		Text:          run.Text,
		Kind:          a.Kind,
		PromptVersion: a.PromptVersion,
		Chunks:        chunks,
		Deps:          rawDeps(deps),
		Budget:        budget,
	}
	res := runner.Run(ctx, task)
	log.Printf("[pipeline] report %s agent %s settled: %s ($%.4f, %s)",
		run.ReportID, a.Kind, res.Status, res.CostUSD, res.Duration.Round(time.Millisecond))
	return res
}

func rawDeps(deps map[types.AgentKind][]byte) map[types.AgentKind]json.RawMessage {
	out := make(map[types.AgentKind]json.RawMessage, len(deps))
	for k, v := range deps {
		out[k] = v
	}
	return out
}

// persistResult writes the payload blob and the result row. Persistence
// outlives a cancelled run context so partial progress is never lost.
func (o *Orchestrator) persistResult(ctx context.Context, reportID uuid.UUID, res types.AgentResult) {
	pctx := context.WithoutCancel(ctx)
	stored := res
	if len(res.Payload) > 0 {
		key := store.PayloadKey(reportID, res.Kind)
		if err := o.blobs.PutBlob(pctx, key, res.Payload); err != nil {
			log.Printf("[pipeline] report %s: blob write failed for %s: %v", reportID, res.Kind, err)
		} else {
			stored.PayloadRef = key
			stored.Payload = nil
		}
	}
	if err := o.reports.PutAgentResult(pctx, reportID, &stored); err != nil {
		log.Printf("[pipeline] report %s: result write failed for %s: %v", reportID, res.Kind, err)
	}
}

// finish derives the report's terminal status from the settled results and
// the ledger.
func (o *Orchestrator) finish(ctx context.Context, run Run, results map[types.AgentKind]types.AgentResult) error {
	pctx := context.WithoutCancel(ctx)

	// Composition runs over required agents: complete when all of them are
	// complete, failed when none produced output, partial in between. A spec
	// that marks nothing required composes over every agent.
	hasRequired := false
	for i := range run.Spec.Agents {
		if run.Spec.Agents[i].Required {
			hasRequired = true
			break
		}
	}

	var errs []types.ReportError
	reqTotal := 0
	reqComplete := 0
	reqProduced := 0
	for _, a := range run.Spec.Agents {
		res := results[a.Kind]
		if a.Required || !hasRequired {
			reqTotal++
			switch res.Status {
			case types.ResultComplete:
				reqComplete++
				reqProduced++
			case types.ResultPartial:
				reqProduced++
			}
		}
		if res.Error != nil {
			errs = append(errs, types.ReportError{
				Agent:   res.Kind,
				Reason:  res.Error.Reason,
				Message: res.Error.Message,
			})
		}
	}

	var status types.ReportStatus
	switch {
	case ctx.Err() != nil:
		status = types.ReportFailed
		errs = append(errs, types.ReportError{Reason: cancelReason(ctx), Message: ctx.Err().Error()})
	case reqProduced == 0:
		status = types.ReportFailed
	case reqComplete == reqTotal:
		status = types.ReportComplete
	default:
		status = types.ReportPartial
	}

	total, err := o.ledger.SumForReport(pctx, run.ReportID)
	if err != nil {
		log.Printf("[pipeline] report %s: ledger sum failed: %v", run.ReportID, err)
	}

	if err := o.reports.Complete(pctx, run.ReportID, status, total, errs); err != nil {
		return fmt.Errorf("failed to finish report %s: %w", run.ReportID, err)
	}
	log.Printf("[pipeline] report %s %s (total $%.4f)", run.ReportID, status, total)
	return nil
}

func cancelReason(ctx context.Context) string {
	if ctx.Err() == context.DeadlineExceeded {
		return types.ReasonSupervisorTimeout
	}
	return types.ReasonCancelled
}
