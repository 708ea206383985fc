package distribution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"hrmpay/internal/domain/payroll"
	"hrmpay/internal/domain/payslip"
	"hrmpay/internal/platform/lock"
)

type fakeStore struct {
	mu    sync.Mutex
	run   payroll.PayrollRun
	items map[string]payroll.PayrollRunItem
}

func newFakeStore(employeeIDs ...string) *fakeStore {
	s := &fakeStore{
		run:   payroll.PayrollRun{ID: "run-1", TenantID: "T", Period: payroll.Period{Month: 11, Year: 2025}},
		items: map[string]payroll.PayrollRunItem{},
	}
	for _, id := range employeeIDs {
		s.items["ps-"+id] = payroll.PayrollRunItem{
			ID:                 "ps-" + id,
			RunID:              "run-1",
			TenantID:           "T",
			EmployeeID:         id,
			EmployeeEmail:      id + "@example.com",
			Period:             s.run.Period,
			GrossSalary:        decimal.NewFromInt(100),
			NetSalary:          decimal.NewFromInt(100),
			DistributionStatus: payroll.DistributionNotSent,
		}
	}
	return s
}

func (s *fakeStore) GetRun(ctx context.Context, tenantID, runID string) (payroll.PayrollRun, error) {
	if tenantID != s.run.TenantID || runID != s.run.ID {
		return payroll.PayrollRun{}, payroll.ErrRunNotFound
	}
	return s.run, nil
}

func (s *fakeStore) ListItems(ctx context.Context, tenantID, runID string) ([]payroll.PayrollRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []payroll.PayrollRunItem{}
	for _, item := range s.items {
		if item.TenantID == tenantID && item.RunID == runID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func (s *fakeStore) GetItem(ctx context.Context, tenantID, itemID string) (payroll.PayrollRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.TenantID != tenantID {
		return payroll.PayrollRunItem{}, payroll.ErrPayslipNotFound
	}
	return item, nil
}

func (s *fakeStore) RecordDistribution(ctx context.Context, tenantID, itemID string, status payroll.DistributionStatus, lastError string, at time.Time) (payroll.PayrollRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return payroll.PayrollRunItem{}, payroll.ErrPayslipNotFound
	}
	if item.DistributionStatus != payroll.DistributionSent {
		item.DistributionStatus = status
	}
	item.DistributionAttempts++
	item.LastError = lastError
	item.LastAttemptAt = &at
	s.items[itemID] = item
	return item, nil
}

func (s *fakeStore) ListRetryableRuns(ctx context.Context, maxAttempts int) ([]payroll.RunRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.DistributionStatus == payroll.DistributionFailed && item.DistributionAttempts < maxAttempts {
			return []payroll.RunRef{{TenantID: item.TenantID, RunID: item.RunID}}, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) status(employeeID string) payroll.PayrollRunItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items["ps-"+employeeID]
}

type fakeRenderer struct{}

func (fakeRenderer) RenderArtifact(item payroll.PayrollRunItem) (payslip.Document, error) {
	if item.EmployeeID == "BROKEN" {
		return payslip.Document{}, payslip.ErrArtifactRender
	}
	return payslip.Document{Filename: item.EmployeeID + ".pdf", Data: []byte("%PDF"), Metadata: map[string]string{"period": "2025-11"}}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	fail   map[string]bool
	sent   []string
	onSend func()
}

func (n *fakeNotifier) Send(ctx context.Context, to Recipient, doc payslip.Document) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.onSend != nil {
		n.onSend()
	}
	if n.fail[to.EmployeeID] {
		return errors.New("mailbox unavailable")
	}
	n.sent = append(n.sent, to.EmployeeID)
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[payroll.DistributionStatus]int
}

func (r *countingRecorder) RecordDistribution(status payroll.DistributionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[payroll.DistributionStatus]int{}
	}
	r.counts[status]++
}

type fakeArchive struct {
	mu     sync.Mutex
	stored []string
	copies map[string][]byte
}

func (a *fakeArchive) Store(tenantID string, doc payslip.Document) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored = append(a.stored, doc.Filename)
	return doc.Filename, nil
}

func (a *fakeArchive) Fetch(tenantID string, doc payslip.Document) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.copies[tenantID+"/"+doc.Filename]
	return data, ok, nil
}

func TestSendBatchIsolatesFailures(t *testing.T) {
	store := newFakeStore("A", "B", "C")
	notifier := &fakeNotifier{fail: map[string]bool{"B": true}}
	recorder := &countingRecorder{}
	archive := &fakeArchive{}
	d := NewDispatcher(store, fakeRenderer{}, notifier, Options{Workers: 3, Metrics: recorder, Archive: archive})

	outcome, err := d.SendBatch(context.Background(), "T", "run-1")
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if outcome.Total != 3 || outcome.Sent != 2 || outcome.Failed != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(outcome.FailedEmployeeIDs) != 1 || outcome.FailedEmployeeIDs[0] != "B" {
		t.Fatalf("expected exactly B to fail, got %v", outcome.FailedEmployeeIDs)
	}
	for _, id := range []string{"A", "C"} {
		if got := store.status(id); got.DistributionStatus != payroll.DistributionSent || got.DistributionAttempts != 1 {
			t.Fatalf("expected %s SENT after one attempt, got %+v", id, got)
		}
	}
	failed := store.status("B")
	if failed.DistributionStatus != payroll.DistributionFailed || failed.LastError == "" {
		t.Fatalf("expected B FAILED with error, got %+v", failed)
	}
	if recorder.counts[payroll.DistributionSent] != 2 || recorder.counts[payroll.DistributionFailed] != 1 {
		t.Fatalf("unexpected metrics: %v", recorder.counts)
	}
	if len(archive.stored) != 2 {
		t.Fatalf("expected only sent payslips archived, got %v", archive.stored)
	}
}

func TestSendBatchSkipsAlreadySent(t *testing.T) {
	store := newFakeStore("A", "B")
	notifier := &fakeNotifier{fail: map[string]bool{"B": true}}
	d := NewDispatcher(store, fakeRenderer{}, notifier, Options{Workers: 2})
	ctx := context.Background()

	if _, err := d.SendBatch(ctx, "T", "run-1"); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	notifier.fail = nil
	outcome, err := d.SendBatch(ctx, "T", "run-1")
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if outcome.Sent != 1 || outcome.Skipped != 1 || outcome.Failed != 0 {
		t.Fatalf("expected only B re-attempted, got %+v", outcome)
	}
	if a := store.status("A"); a.DistributionAttempts != 1 {
		t.Fatalf("expected A untouched, got %d attempts", a.DistributionAttempts)
	}
	if b := store.status("B"); b.DistributionStatus != payroll.DistributionSent || b.DistributionAttempts != 2 {
		t.Fatalf("expected B SENT after two attempts, got %+v", b)
	}
}

func TestSendBatchCancellationKeepsCompletedSends(t *testing.T) {
	store := newFakeStore("A", "B", "C")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := &fakeNotifier{onSend: cancel}
	d := NewDispatcher(store, fakeRenderer{}, notifier, Options{Workers: 1})

	outcome, err := d.SendBatch(ctx, "T", "run-1")
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if !outcome.Cancelled || outcome.Sent != 1 || outcome.Skipped != 2 {
		t.Fatalf("expected one send before cancellation, got %+v", outcome)
	}
	if a := store.status("A"); a.DistributionStatus != payroll.DistributionSent {
		t.Fatalf("expected completed send to stay SENT, got %s", a.DistributionStatus)
	}
	if c := store.status("C"); c.DistributionAttempts != 0 {
		t.Fatalf("expected C never attempted, got %d", c.DistributionAttempts)
	}
}

func TestSendBatchRejectsConcurrentBatch(t *testing.T) {
	store := newFakeStore("A")
	locker := lock.NewLocalLocker()
	held, err := locker.Obtain(context.Background(), lockKey("T", "run-1"), time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer held.Release(context.Background())
	d := NewDispatcher(store, fakeRenderer{}, &fakeNotifier{}, Options{Locker: locker})

	if _, err := d.SendBatch(context.Background(), "T", "run-1"); !errors.Is(err, ErrBatchInProgress) {
		t.Fatalf("expected batch in progress, got %v", err)
	}
}

func TestSendBatchUnknownRun(t *testing.T) {
	d := NewDispatcher(newFakeStore("A"), fakeRenderer{}, &fakeNotifier{}, Options{})
	if _, err := d.SendBatch(context.Background(), "T", "missing"); !errors.Is(err, payroll.ErrRunNotFound) {
		t.Fatalf("expected run not found, got %v", err)
	}
}

func TestSendOne(t *testing.T) {
	store := newFakeStore("A", "BROKEN")
	d := NewDispatcher(store, fakeRenderer{}, &fakeNotifier{}, Options{})
	ctx := context.Background()

	outcome, err := d.SendOne(ctx, "T", "ps-A")
	if err != nil || outcome.Attempt != payroll.DistributionSent || outcome.Status != payroll.DistributionSent || outcome.Attempts != 1 {
		t.Fatalf("expected SENT, got %+v err=%v", outcome, err)
	}
	again, err := d.SendOne(ctx, "T", "ps-A")
	if err != nil || again.Status != payroll.DistributionSent || again.Attempts != 2 {
		t.Fatalf("expected repeat send to be safe, got %+v err=%v", again, err)
	}

	broken, err := d.SendOne(ctx, "T", "ps-BROKEN")
	if err != nil || broken.Attempt != payroll.DistributionFailed || broken.Status != payroll.DistributionFailed || broken.Error == "" {
		t.Fatalf("expected render failure recorded as FAILED, got %+v err=%v", broken, err)
	}

	if _, err := d.SendOne(ctx, "T", "ps-none"); !errors.Is(err, payroll.ErrPayslipNotFound) {
		t.Fatalf("expected payslip not found, got %v", err)
	}
	if _, err := d.SendOne(ctx, "OTHER", "ps-A"); !errors.Is(err, payroll.ErrPayslipNotFound) {
		t.Fatalf("expected tenant isolation, got %v", err)
	}
}

func TestSentPayslipNeverDowngraded(t *testing.T) {
	store := newFakeStore("A")
	notifier := &fakeNotifier{}
	d := NewDispatcher(store, fakeRenderer{}, notifier, Options{})
	ctx := context.Background()
	if _, err := d.SendOne(ctx, "T", "ps-A"); err != nil {
		t.Fatalf("send: %v", err)
	}
	notifier.fail = map[string]bool{"A": true}
	outcome, err := d.SendOne(ctx, "T", "ps-A")
	if err != nil || outcome.Attempt != payroll.DistributionFailed {
		t.Fatalf("expected failed attempt, got %+v err=%v", outcome, err)
	}
	if outcome.Status != payroll.DistributionSent || outcome.Attempts != 2 {
		t.Fatalf("expected outcome to report stored SENT after two attempts, got %+v", outcome)
	}
	if got := store.status("A"); got.DistributionStatus != payroll.DistributionSent {
		t.Fatalf("expected stored status to stay SENT, got %s", got.DistributionStatus)
	}
}

func TestRetryFailedRespectsAttemptLimit(t *testing.T) {
	store := newFakeStore("A", "B")
	notifier := &fakeNotifier{fail: map[string]bool{"B": true}}
	d := NewDispatcher(store, fakeRenderer{}, notifier, Options{MaxAttempts: 2})
	ctx := context.Background()

	if _, err := d.SendBatch(ctx, "T", "run-1"); err != nil {
		t.Fatalf("batch: %v", err)
	}
	runs, err := d.RetryableRuns(ctx)
	if err != nil || len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("expected run-1 retryable, got %v err=%v", runs, err)
	}
	retry, err := d.RetryFailed(ctx, "T", "run-1")
	if err != nil || retry.Failed != 1 || retry.Skipped != 1 {
		t.Fatalf("expected only B retried, got %+v err=%v", retry, err)
	}
	exhausted, err := d.RetryFailed(ctx, "T", "run-1")
	if err != nil || exhausted.Failed != 0 || exhausted.Skipped != 2 {
		t.Fatalf("expected no attempts past the limit, got %+v err=%v", exhausted, err)
	}
	if runs, _ := d.RetryableRuns(ctx); len(runs) != 0 {
		t.Fatalf("expected nothing retryable, got %v", runs)
	}
}

func TestDownloadDoesNotChangeStatus(t *testing.T) {
	store := newFakeStore("A")
	d := NewDispatcher(store, fakeRenderer{}, &fakeNotifier{}, Options{})
	doc, item, err := d.Download(context.Background(), "T", "ps-A")
	if err != nil || doc.Filename != "A.pdf" || item.EmployeeID != "A" {
		t.Fatalf("unexpected download: %+v %+v err=%v", doc, item, err)
	}
	if got := store.status("A"); got.DistributionAttempts != 0 || got.DistributionStatus != payroll.DistributionNotSent {
		t.Fatalf("expected no distribution change, got %+v", got)
	}
}

func TestDownloadPrefersArchivedCopy(t *testing.T) {
	store := newFakeStore("A", "B")
	archive := &fakeArchive{copies: map[string][]byte{
		"T/A.pdf": []byte("%PDF as mailed"),
		"T/B.pdf": []byte("%PDF stale"),
	}}
	d := NewDispatcher(store, fakeRenderer{}, &fakeNotifier{}, Options{Archive: archive})
	ctx := context.Background()
	if _, err := d.SendOne(ctx, "T", "ps-A"); err != nil {
		t.Fatalf("send: %v", err)
	}

	doc, _, err := d.Download(ctx, "T", "ps-A")
	if err != nil || string(doc.Data) != "%PDF as mailed" {
		t.Fatalf("expected archived bytes for a sent payslip, got %q err=%v", doc.Data, err)
	}
	doc, _, err = d.Download(ctx, "T", "ps-B")
	if err != nil || string(doc.Data) != "%PDF" {
		t.Fatalf("expected fresh rendering for an unsent payslip, got %q err=%v", doc.Data, err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name  string
		value string
		limit int
		want  string
	}{
		{"short", "  smtp down  ", 20, "smtp down"},
		{"ascii", "abcdef", 4, "abcd"},
		{"split rune", "ab\u00e9cd", 3, "ab"},
		{"after rune", "ab\u00e9cd", 4, "ab\u00e9"},
		{"wide runes", "\u65e5\u672c\u8a9e", 7, "\u65e5\u672c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.value, tt.limit)
			if got != tt.want || !utf8.ValidString(got) {
				t.Fatalf("truncate(%q, %d) = %q, want %q", tt.value, tt.limit, got, tt.want)
			}
		})
	}
}
