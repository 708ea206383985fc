package payroll

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[string]CompensationProfile
	order    []string
	err      error
}

func newFakeDirectory(profiles ...CompensationProfile) *fakeDirectory {
	d := &fakeDirectory{profiles: map[string]CompensationProfile{}}
	for _, p := range profiles {
		d.put(p)
	}
	return d
}

func (d *fakeDirectory) put(p CompensationProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.profiles[p.EmployeeID]; !ok {
		d.order = append(d.order, p.EmployeeID)
	}
	d.profiles[p.EmployeeID] = p
}

func (d *fakeDirectory) ListCompensationProfiles(ctx context.Context, tenantID string, asOf time.Time) ([]CompensationProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]CompensationProfile, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.profiles[id])
	}
	return out, nil
}

func (d *fakeDirectory) GetCompensationProfile(ctx context.Context, tenantID, employeeID string, asOf time.Time) (CompensationProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return CompensationProfile{}, d.err
	}
	p, ok := d.profiles[employeeID]
	if !ok {
		return CompensationProfile{}, ErrUnknownEmployee
	}
	return p, nil
}

type fakeAttendance struct {
	days map[string]decimal.Decimal
	err  error
}

func (a *fakeAttendance) GetLossOfPayDays(ctx context.Context, tenantID, employeeID string, period Period) (decimal.Decimal, error) {
	if a.err != nil {
		return decimal.Zero, a.err
	}
	return a.days[employeeID], nil
}

type memoryStore struct {
	mu    sync.Mutex
	runs  map[string]PayrollRun
	items map[string]PayrollRunItem
	// inserts counts successful InsertRun calls.
	inserts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{runs: map[string]PayrollRun{}, items: map[string]PayrollRunItem{}}
}

func periodKey(tenantID string, period Period) string {
	return tenantID + "|" + period.String()
}

func (s *memoryStore) InsertRun(ctx context.Context, run PayrollRun, items []PayrollRunItem) (PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if periodKey(existing.TenantID, existing.Period) == periodKey(run.TenantID, run.Period) {
			return PayrollRun{}, ErrRunAlreadyProcessed
		}
	}
	s.runs[run.ID] = run
	for _, item := range items {
		s.items[item.ID] = item
	}
	s.inserts++
	return run, nil
}

func (s *memoryStore) FindRun(ctx context.Context, tenantID string, period Period) (PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.Period == period {
			return run, nil
		}
	}
	return PayrollRun{}, ErrRunNotFound
}

func (s *memoryStore) GetRun(ctx context.Context, tenantID, runID string) (PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.TenantID != tenantID {
		return PayrollRun{}, ErrRunNotFound
	}
	return run, nil
}

func (s *memoryStore) ListItems(ctx context.Context, tenantID, runID string) ([]PayrollRunItem, error) {
	return s.filter(func(item PayrollRunItem) bool { return item.TenantID == tenantID && item.RunID == runID }), nil
}

func (s *memoryStore) ListItemsByPeriod(ctx context.Context, tenantID string, period Period) ([]PayrollRunItem, error) {
	return s.filter(func(item PayrollRunItem) bool { return item.TenantID == tenantID && item.Period == period }), nil
}

func (s *memoryStore) filter(keep func(PayrollRunItem) bool) []PayrollRunItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []PayrollRunItem{}
	for _, item := range s.items {
		if keep(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func (s *memoryStore) GetItem(ctx context.Context, tenantID, itemID string) (PayrollRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.TenantID != tenantID {
		return PayrollRunItem{}, ErrPayslipNotFound
	}
	return item, nil
}

func (s *memoryStore) RecordDistribution(ctx context.Context, tenantID, itemID string, status DistributionStatus, lastError string, at time.Time) (PayrollRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.TenantID != tenantID {
		return PayrollRunItem{}, ErrPayslipNotFound
	}
	if item.DistributionStatus != DistributionSent {
		item.DistributionStatus = status
	}
	item.DistributionAttempts++
	item.LastError = lastError
	item.LastAttemptAt = &at
	s.items[itemID] = item
	return item, nil
}

func (s *memoryStore) ListRetryableRuns(ctx context.Context, maxAttempts int) ([]RunRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[RunRef]struct{}{}
	var out []RunRef
	for _, item := range s.items {
		if item.DistributionStatus != DistributionFailed || item.DistributionAttempts >= maxAttempts {
			continue
		}
		ref := RunRef{TenantID: item.TenantID, RunID: item.RunID}
		if _, ok := seen[ref]; !ok {
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	return out, nil
}

var errBoom = errors.New("boom")
