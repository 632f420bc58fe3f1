// Package memstore implements the store interfaces in memory. It backs unit
// tests and the CLI analyze command; the serving path uses internal/db.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

// Store holds every table behind one mutex. Method semantics mirror the
// Postgres implementation, including atomicity of transition checks.
type Store struct {
	mu          sync.Mutex
	manuscripts map[uuid.UUID]types.Manuscript
	reports     map[uuid.UUID]*types.Report
	results     map[uuid.UUID]map[types.AgentKind]types.AgentResult
	calls       []types.AgentCall
	quotas      map[uuid.UUID]types.Quota
	blobs       map[string][]byte
	now         func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		manuscripts: make(map[uuid.UUID]types.Manuscript),
		reports:     make(map[uuid.UUID]*types.Report),
		results:     make(map[uuid.UUID]map[types.AgentKind]types.AgentResult),
		quotas:      make(map[uuid.UUID]types.Quota),
		blobs:       make(map[string][]byte),
		now:         time.Now,
	}
}

// WithClock substitutes the time source. For tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// SetQuota installs an explicit quota row for an owner.
func (s *Store) SetQuota(q types.Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[q.OwnerID] = q
}

// --- store.Manuscripts ---

// CreateManuscript implements Manuscripts.CreateManuscript.
func (s *Store) CreateManuscript(ctx context.Context, m *types.Manuscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.manuscripts[m.ID] = *m
	return nil
}

// GetManuscript implements Manuscripts.GetManuscript.
func (s *Store) GetManuscript(ctx context.Context, id uuid.UUID) (*types.Manuscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manuscripts[id]
	if !ok {
		return nil, nil
	}
	out := m
	return &out, nil
}

// --- store.Reports ---

// CreateReport implements Reports.CreateReport. The idempotency scan, the
// active-count check and the insert all happen under one mutex hold.
func (s *Store) CreateReport(ctx context.Context, manuscriptID uuid.UUID, specID string, ownerID uuid.UUID, maxActive int) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, r := range s.reports {
		if r.ManuscriptID == manuscriptID && r.PipelineSpecID == specID && !r.Status.Terminal() {
			return r.ID, false, nil
		}
		if r.OwnerID == ownerID && !r.Status.Terminal() {
			active++
		}
	}
	if maxActive > 0 && active >= maxActive {
		return uuid.Nil, false, &store.ErrActiveLimit{OwnerID: ownerID, Active: active, Max: maxActive}
	}
	id := uuid.New()
	s.reports[id] = &types.Report{
		ID:             id,
		ManuscriptID:   manuscriptID,
		OwnerID:        ownerID,
		PipelineSpecID: specID,
		Status:         types.ReportQueued,
		StartedAt:      s.now(),
	}
	s.results[id] = make(map[types.AgentKind]types.AgentResult)
	return id, true, nil
}

// GetReport implements Reports.GetReport.
func (s *Store) GetReport(ctx context.Context, id uuid.UUID) (*types.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, nil
	}
	out := *r
	out.Results = make(map[types.AgentKind]types.AgentResult, len(s.results[id]))
	for k, v := range s.results[id] {
		out.Results[k] = v
	}
	out.Errors = append([]types.ReportError(nil), r.Errors...)
	return &out, nil
}

// Transition implements Reports.Transition.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from, to types.ReportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return &store.ErrNotFound{Kind: "report", ID: id}
	}
	if r.Status != from || !types.CanTransition(from, to) {
		return &store.ErrInvalidTransition{ReportID: id, From: r.Status, To: to}
	}
	r.Status = to
	if to.Terminal() {
		now := s.now()
		r.CompletedAt = &now
	}
	return nil
}

// Complete implements Reports.Complete.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, to types.ReportStatus, totalCostUSD float64, errs []types.ReportError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return &store.ErrNotFound{Kind: "report", ID: id}
	}
	if !to.Terminal() || !types.CanTransition(r.Status, to) {
		return &store.ErrInvalidTransition{ReportID: id, From: r.Status, To: to}
	}
	now := s.now()
	r.Status = to
	r.CompletedAt = &now
	r.TotalCostUSD = totalCostUSD
	r.Errors = append([]types.ReportError(nil), errs...)
	return nil
}

// PutAgentResult implements Reports.PutAgentResult.
func (s *Store) PutAgentResult(ctx context.Context, reportID uuid.UUID, result *types.AgentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return &store.ErrNotFound{Kind: "report", ID: reportID}
	}
	if r.Status.Terminal() {
		return &store.ErrInvalidTransition{ReportID: reportID, From: r.Status, To: r.Status}
	}
	res := *result
	res.ReportID = reportID
	s.results[reportID][res.Kind] = res
	return nil
}

// CountActive implements Reports.CountActive.
func (s *Store) CountActive(ctx context.Context, ownerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.OwnerID == ownerID && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// ListStuckRunning implements Reports.ListStuckRunning.
func (s *Store) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]types.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Report
	for _, r := range s.reports {
		if r.Status == types.ReportRunning && r.StartedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- store.Ledger ---

// Append implements Ledger.Append.
func (s *Store) Append(ctx context.Context, call *types.AgentCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *call
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
		call.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Kind == "" {
		c.Kind = types.LedgerCall
	}
	s.calls = append(s.calls, c)
	return nil
}

// ListForReport implements Ledger.ListForReport.
func (s *Store) ListForReport(ctx context.Context, reportID uuid.UUID) ([]types.AgentCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AgentCall
	for _, c := range s.calls {
		if c.ReportID == reportID {
			out = append(out, c)
		}
	}
	return out, nil
}

// SumForReport implements Ledger.SumForReport.
func (s *Store) SumForReport(ctx context.Context, reportID uuid.UUID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, c := range s.calls {
		if c.ReportID == reportID {
			sum += c.PriceUSD
		}
	}
	return sum, nil
}

// SumForOwner implements Ledger.SumForOwner.
func (s *Store) SumForOwner(ctx context.Context, ownerID uuid.UUID, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, c := range s.calls {
		if c.OwnerID == ownerID && !c.CreatedAt.Before(since) {
			sum += c.PriceUSD
		}
	}
	return sum, nil
}

// --- store.Quotas ---

// GetQuota implements Quotas.GetQuota.
func (s *Store) GetQuota(ctx context.Context, ownerID uuid.UUID) (*types.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quotas[ownerID]; ok {
		out := q
		return &out, nil
	}
	return store.DefaultQuota(ownerID), nil
}

// --- store.Blobs ---

// PutBlob implements Blobs.PutBlob.
func (s *Store) PutBlob(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

// GetBlob implements Blobs.GetBlob.
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}
