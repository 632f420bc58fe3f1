// Package agent executes one analysis agent end-to-end for one report:
// prompt assembly, provider invocation through the gateway, structured
// output parsing with a single repair round, and chunk fan-out.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-press/inkwell/internal/llm"
	"github.com/inkwell-press/inkwell/internal/prompts"
	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/structured"
	"github.com/inkwell-press/inkwell/internal/tokens"
	"github.com/inkwell-press/inkwell/internal/types"
)

// ErrBudgetExhausted is returned by a BudgetFunc when the report's spend
// ceiling would be exceeded by another call.
var ErrBudgetExhausted = errors.New("budget exhausted")

// BudgetFunc is consulted before every provider call.
type BudgetFunc func(ctx context.Context) error

// Invoker is the gateway surface the runner needs. *llm.Gateway satisfies
// it; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.CallOutcome, *llm.CallError)
}

// Whole-manuscript prompts are truncated to this many input tokens.
const maxWholeInputTokens = 100_000

const dedupeCacheSize = 256

// Task is one agent execution request. Chunks nil means the agent sees the
// whole manuscript in a single call.
type Task struct {
	ReportID      uuid.UUID
	Manuscript    *types.Manuscript
	Text          string
	Kind          types.AgentKind
	PromptVersion int
	Chunks        []types.Chunk
	Deps          map[types.AgentKind]json.RawMessage
	Budget        BudgetFunc
}

// Runner executes agents for a single report run. The dedupe cache is scoped
// to the runner, so identical inputs within one run cost one call.
type Runner struct {
	invoker Invoker
	library *prompts.Library
	ledger  store.Ledger
	cache   *lru.Cache[string, json.RawMessage]
	fanout  int
	now     func() time.Time
}

// NewRunner creates a runner for one report run. fanout bounds concurrent
// chunk calls within an agent.
func NewRunner(invoker Invoker, library *prompts.Library, ledger store.Ledger, fanout int) *Runner {
	if fanout < 1 {
		fanout = 1
	}
	cache, _ := lru.New[string, json.RawMessage](dedupeCacheSize)
	return &Runner{
		invoker: invoker,
		library: library,
		ledger:  ledger,
		cache:   cache,
		fanout:  fanout,
		now:     time.Now,
	}
}

// Run executes the task to a terminal AgentResult. It never returns a Go
// error: every failure mode is folded into the result's status and error
// descriptor.
func (r *Runner) Run(ctx context.Context, task Task) types.AgentResult {
	start := r.now()
	result := types.AgentResult{
		ReportID:     task.ReportID,
		ManuscriptID: task.Manuscript.ID,
		Kind:         task.Kind,
	}

	tmpl, err := r.library.Resolve(task.Kind, task.PromptVersion)
	if err != nil {
		result.Status = types.ResultFailed
		result.Error = &types.ErrorDescriptor{Reason: "prompt_unavailable", Message: err.Error()}
		result.Duration = r.now().Sub(start)
		return result
	}

	slots := r.baseSlots(task)

	if len(task.Chunks) == 0 {
		r.runWhole(ctx, &task, tmpl, slots, &result)
	} else {
		r.runChunked(ctx, &task, tmpl, slots, &result)
	}
	result.Duration = r.now().Sub(start)
	return result
}

// baseSlots builds the slot map common to every call of the task: manuscript
// metadata plus dependency payloads. Dependency slots for absent optional
// deps are blanked so their placeholders render empty.
func (r *Runner) baseSlots(task Task) map[string]string {
	slots := map[string]string{
		"title": task.Manuscript.Title,
		"genre": task.Manuscript.Genre,
	}
	for _, kind := range types.AllAgentKinds() {
		if kind != task.Kind {
			slots[string(kind)] = ""
		}
	}
	for kind, payload := range task.Deps {
		slots[string(kind)] = string(payload)
	}
	return slots
}

func (r *Runner) runWhole(ctx context.Context, task *Task, tmpl *prompts.Template, slots map[string]string, result *types.AgentResult) {
	whole := make(map[string]string, len(slots)+1)
	for k, v := range slots {
		whole[k] = v
	}
	whole["manuscript"] = tokens.Truncate(task.Text, maxWholeInputTokens)

	payload, cost, callIDs, desc := r.callOnce(ctx, task, tmpl, whole, nil)
	result.CostUSD = cost
	result.CallIDs = callIDs
	if desc != nil {
		result.Status = types.ResultFailed
		result.Error = desc
		return
	}
	result.Status = types.ResultComplete
	result.Payload = payload
}

// runChunked fans out over the task's chunks and reduces the per-chunk
// payloads in ordinal order. All chunks succeeding yields complete; some
// yields partial; none yields failed.
func (r *Runner) runChunked(ctx context.Context, task *Task, tmpl *prompts.Template, slots map[string]string, result *types.AgentResult) {
	type chunkOut struct {
		payload json.RawMessage
		cost    float64
		callIDs []uuid.UUID
		desc    *types.ErrorDescriptor
	}
	outs := make([]chunkOut, len(task.Chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanout)
	for i, chunk := range task.Chunks {
		g.Go(func() error {
			ordinal := chunk.Ordinal
			cs := make(map[string]string, len(slots)+1)
			for k, v := range slots {
				cs[k] = v
			}
			cs["content"] = chunk.Content(task.Text)

			payload, cost, callIDs, desc := r.callOnce(gctx, task, tmpl, cs, &ordinal)
			outs[i] = chunkOut{payload: payload, cost: cost, callIDs: callIDs, desc: desc}
			return nil
		})
	}
	g.Wait()

	var parts []json.RawMessage
	var firstErr *types.ErrorDescriptor
	for i, out := range outs {
		result.CostUSD += out.cost
		result.CallIDs = append(result.CallIDs, out.callIDs...)
		if out.desc != nil {
			if firstErr == nil {
				firstErr = out.desc
			}
			continue
		}
		wrapped, _ := json.Marshal(struct {
			Ordinal int             `json:"ordinal"`
			Result  json.RawMessage `json:"result"`
		}{Ordinal: task.Chunks[i].Ordinal, Result: out.payload})
		parts = append(parts, wrapped)
	}

	switch {
	case firstErr == nil:
		result.Status = types.ResultComplete
	case len(parts) > 0:
		result.Status = types.ResultPartial
		result.Error = firstErr
	default:
		result.Status = types.ResultFailed
		result.Error = firstErr
		return
	}

	reduced, _ := json.Marshal(struct {
		Chunks []json.RawMessage `json:"chunks"`
	}{Chunks: parts})
	result.Payload = reduced
}

// callOnce performs one metered call: budget check, invoke, parse, and at
// most one repair reprompt. A parse failure after repair appends a zero-cost
// parse_error ledger row.
func (r *Runner) callOnce(ctx context.Context, task *Task, tmpl *prompts.Template, slots map[string]string, ordinal *int) (json.RawMessage, float64, []uuid.UUID, *types.ErrorDescriptor) {
	hash := inputHash(tmpl.Version, slots)
	if payload, ok := r.cache.Get(hash); ok {
		return payload, 0, nil, nil
	}

	user, err := tmpl.Render(slots)
	if err != nil {
		return nil, 0, nil, &types.ErrorDescriptor{Reason: "prompt_unavailable", Message: err.Error()}
	}

	meta := llm.CallMeta{
		OwnerID:       task.Manuscript.OwnerID,
		ReportID:      task.ReportID,
		Agent:         task.Kind,
		PromptVersion: tmpl.Version,
		ChunkOrdinal:  ordinal,
		InputHash:     hash,
	}
	req := llm.InvokeRequest{
		Model: tmpl.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: tmpl.System},
			{Role: llm.RoleUser, Content: user},
		},
		MaxOutputTokens: tmpl.MaxOutputTokens,
		Temperature:     tmpl.Temperature,
		Meta:            meta,
	}

	var cost float64
	var callIDs []uuid.UUID

	if desc := r.checkBudget(ctx, task); desc != nil {
		return nil, 0, nil, desc
	}
	out, cerr := r.invoker.Invoke(ctx, req)
	if cerr != nil {
		return nil, cost, callIDs, callErrorDescriptor(cerr)
	}
	cost += out.PriceUSD
	callIDs = append(callIDs, out.CallIDs...)

	payload, perr := structured.Parse(out.Text, string(tmpl.Schema))
	if perr == nil {
		r.cache.Add(hash, payload)
		return payload, cost, callIDs, nil
	}

	// One repair round: replay the conversation with the malformed output
	// and ask for schema-conformant JSON only.
	log.Printf("[agent] %s parse failed (%s), attempting repair", task.Kind, perr.Reason)
	if desc := r.checkBudget(ctx, task); desc != nil {
		return nil, cost, callIDs, desc
	}
	repair := req
	repair.Messages = append(repair.Messages[:len(repair.Messages):len(repair.Messages)],
		llm.Message{Role: llm.RoleUser, Content: repairPrompt(out.Text, tmpl.Schema)})
	out2, cerr := r.invoker.Invoke(ctx, repair)
	if cerr != nil {
		return nil, cost, callIDs, callErrorDescriptor(cerr)
	}
	cost += out2.PriceUSD
	callIDs = append(callIDs, out2.CallIDs...)

	payload, perr = structured.Parse(out2.Text, string(tmpl.Schema))
	if perr != nil {
		r.recordParseFailure(ctx, meta, tmpl.Model)
		return nil, cost, callIDs, &types.ErrorDescriptor{
			Reason:  types.ReasonParseError,
			Message: perr.Error(),
		}
	}
	r.cache.Add(hash, payload)
	return payload, cost, callIDs, nil
}

func (r *Runner) checkBudget(ctx context.Context, task *Task) *types.ErrorDescriptor {
	if task.Budget == nil {
		return nil
	}
	if err := task.Budget(ctx); err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			return &types.ErrorDescriptor{Reason: types.ReasonBudgetExhausted, Message: err.Error()}
		}
		return &types.ErrorDescriptor{Reason: "budget_check_failed", Message: err.Error()}
	}
	return nil
}

// recordParseFailure appends the zero-cost ledger row marking a call whose
// output never became valid JSON.
func (r *Runner) recordParseFailure(ctx context.Context, meta llm.CallMeta, model string) {
	call := &types.AgentCall{
		OwnerID:       meta.OwnerID,
		ReportID:      meta.ReportID,
		Agent:         meta.Agent,
		PromptVersion: meta.PromptVersion,
		ChunkOrdinal:  meta.ChunkOrdinal,
		InputHash:     meta.InputHash,
		Model:         model,
		Status:        types.CallParseError,
		Kind:          types.LedgerCall,
		CreatedAt:     r.now(),
	}
	if err := r.ledger.Append(context.WithoutCancel(ctx), call); err != nil {
		log.Printf("[agent] ledger append failed for report %s: %v", meta.ReportID, err)
	}
}

func repairPrompt(malformed string, schema json.RawMessage) string {
	return fmt.Sprintf("Your previous response could not be parsed:\n\n%s\n\nReturn only valid JSON matching this schema, with no surrounding text:\n%s",
		tokens.Truncate(malformed, 2000), schema)
}

func callErrorDescriptor(cerr *llm.CallError) *types.ErrorDescriptor {
	reason := string(cerr.Kind)
	if cerr.Kind == llm.FailureCancelled {
		reason = types.ReasonCancelled
	}
	return &types.ErrorDescriptor{Reason: reason, Message: cerr.Error()}
}

// inputHash is the dedupe and audit key for one call: template version plus
// every slot, hashed in sorted order.
func inputHash(version int, slots map[string]string) string {
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte("v" + strconv.Itoa(version)))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(slots[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
