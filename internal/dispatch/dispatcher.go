// Package dispatch admits report requests and supervises their execution:
// quota checks, idempotent admission, a process-wide concurrency cap,
// per-report cancellation, and wall-time supervision.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/inkwell-press/inkwell/internal/pipeline"
	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	store.Manuscripts
	store.Reports
	store.Ledger
	store.Quotas
}

// Dispatcher owns report admission and execution.
type Dispatcher struct {
	store Store
	blobs store.Blobs
	orch  *pipeline.Orchestrator
	sem   *semaphore.Weighted

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	wg  sync.WaitGroup
	now func() time.Time
}

// NewDispatcher creates a dispatcher. maxConcurrent bounds reports executing
// at once process-wide; admitted reports beyond it wait queued.
func NewDispatcher(st Store, blobs store.Blobs, orch *pipeline.Orchestrator, maxConcurrent int64) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		store:   st,
		blobs:   blobs,
		orch:    orch,
		sem:     semaphore.NewWeighted(maxConcurrent),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		now:     time.Now,
	}
}

// AdmitRequest is one report submission.
type AdmitRequest struct {
	OwnerID        uuid.UUID
	ManuscriptID   uuid.UUID
	PipelineSpecID string
}

// Admit validates the request, creates the queued report, and schedules its
// execution. A live report for the same manuscript and pipeline returns
// *ErrAlreadyRunning carrying its ID.
func (d *Dispatcher) Admit(ctx context.Context, req AdmitRequest) (uuid.UUID, error) {
	man, err := d.store.GetManuscript(ctx, req.ManuscriptID)
	if err != nil {
		return uuid.Nil, err
	}
	if man == nil {
		return uuid.Nil, &store.ErrNotFound{Kind: "manuscript", ID: req.ManuscriptID}
	}
	if man.OwnerID != req.OwnerID {
		return uuid.Nil, ErrNotOwner
	}

	spec, err := pipeline.Resolve(req.PipelineSpecID)
	if err != nil {
		return uuid.Nil, err
	}

	quota, err := d.store.GetQuota(ctx, req.OwnerID)
	if err != nil {
		return uuid.Nil, err
	}
	spent, err := d.store.SumForOwner(ctx, req.OwnerID, store.MonthStart(d.now()))
	if err != nil {
		return uuid.Nil, err
	}
	if spent >= quota.MaxMonthlyCostUSD {
		return uuid.Nil, &ErrSpendCeiling{SpentUSD: spent, CeilingUSD: quota.MaxMonthlyCostUSD}
	}

	// The active-report cap is enforced inside CreateReport, atomically with
	// the insert, so concurrent admissions for different manuscripts cannot
	// both slip under it.
	id, created, err := d.store.CreateReport(ctx, req.ManuscriptID, spec.ID, req.OwnerID, quota.MaxActiveReports)
	if err != nil {
		var limit *store.ErrActiveLimit
		if errors.As(err, &limit) {
			return uuid.Nil, &ErrQuotaExhausted{Active: limit.Active, Max: limit.Max}
		}
		return uuid.Nil, err
	}
	if !created {
		return id, &ErrAlreadyRunning{ReportID: id}
	}

	d.launch(id, man, spec)
	return id, nil
}

// launch runs the report on a detached context so it outlives the admitting
// request.
func (d *Dispatcher) launch(reportID uuid.UUID, man *types.Manuscript, spec *pipeline.Spec) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancels[reportID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.cancels, reportID)
			d.mu.Unlock()
			cancel()
		}()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while still queued.
			d.failQueued(reportID, types.ReasonCancelled, err.Error())
			return
		}
		defer d.sem.Release(1)

		text, err := d.blobs.GetBlob(ctx, store.SourceKey(man.ID))
		if err != nil || text == nil {
			msg := ErrSourceMissing.Error()
			if err != nil {
				msg = err.Error()
			}
			d.failQueued(reportID, "source_unavailable", msg)
			return
		}

		runCtx, timeout := context.WithTimeout(ctx, spec.MaxWallTime)
		defer timeout()

		if err := d.orch.Execute(runCtx, pipeline.Run{
			ReportID:   reportID,
			Manuscript: man,
			Text:       string(text),
			Spec:       spec,
		}); err != nil {
			log.Printf("[dispatch] report %s execution error: %v", reportID, err)
		}
	}()
}

// failQueued lands a report that never started in the failed state.
func (d *Dispatcher) failQueued(reportID uuid.UUID, reason, message string) {
	err := d.store.Complete(context.Background(), reportID, types.ReportFailed, 0,
		[]types.ReportError{{Reason: reason, Message: message}})
	if err != nil {
		log.Printf("[dispatch] report %s: failed to record %s: %v", reportID, reason, err)
	}
}

// Cancel requests cancellation of a live report owned by ownerID. Delivery
// is asynchronous: the report lands failed once in-flight work unwinds.
func (d *Dispatcher) Cancel(ctx context.Context, reportID, ownerID uuid.UUID) error {
	r, err := d.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if r == nil {
		return &store.ErrNotFound{Kind: "report", ID: reportID}
	}
	if r.OwnerID != ownerID {
		return ErrNotOwner
	}
	if r.Status.Terminal() {
		// Already settled; cancelling is a no-op.
		return nil
	}

	d.mu.Lock()
	cancel := d.cancels[reportID]
	d.mu.Unlock()
	if cancel == nil {
		// Not running in this process (crashed or foreign worker); land it
		// directly.
		return d.store.Complete(ctx, reportID, types.ReportFailed, r.TotalCostUSD,
			[]types.ReportError{{Reason: types.ReasonCancelled, Message: "cancelled by owner"}})
	}
	cancel()
	return nil
}

// SweepStuck fails running reports older than maxAge that no live run in
// this process owns. Called periodically by the supervisor loop.
func (d *Dispatcher) SweepStuck(ctx context.Context, maxAge time.Duration) error {
	stuck, err := d.store.ListStuckRunning(ctx, d.now().Add(-maxAge))
	if err != nil {
		return fmt.Errorf("failed to list stuck reports: %w", err)
	}
	for _, r := range stuck {
		d.mu.Lock()
		_, live := d.cancels[r.ID]
		d.mu.Unlock()
		if live {
			continue
		}
		log.Printf("[dispatch] report %s stuck since %s, failing", r.ID, r.StartedAt.Format(time.RFC3339))
		err := d.store.Complete(ctx, r.ID, types.ReportFailed, r.TotalCostUSD,
			[]types.ReportError{{Reason: types.ReasonSupervisorTimeout, Message: "no progress within supervisor window"}})
		if err != nil {
			log.Printf("[dispatch] report %s: sweep failed: %v", r.ID, err)
		}
	}
	return nil
}

// Supervise runs the stuck-report sweep until ctx is done.
func (d *Dispatcher) Supervise(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.SweepStuck(ctx, maxAge); err != nil {
				log.Printf("[dispatch] sweep error: %v", err)
			}
		}
	}
}

// Wait blocks until every in-flight report run has finished. Used for
// graceful shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
