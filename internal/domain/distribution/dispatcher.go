package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"hrmpay/internal/domain/payroll"
	"hrmpay/internal/domain/payslip"
	"hrmpay/internal/platform/lock"
)

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultLockTTL     = 5 * time.Minute
)

var ErrBatchInProgress = errors.New("a distribution batch is already running for this run")

type Recipient struct {
	EmployeeID string
	Name       string
	Email      string
}

// Notifier delivers a document. A nil error means the recipient's mail system accepted it.
type Notifier interface {
	Send(ctx context.Context, to Recipient, doc payslip.Document) error
}

type Renderer interface {
	RenderArtifact(item payroll.PayrollRunItem) (payslip.Document, error)
}

type Archiver interface {
	Store(tenantID string, doc payslip.Document) (string, error)
	Fetch(tenantID string, doc payslip.Document) ([]byte, bool, error)
}

type Recorder interface {
	RecordDistribution(status payroll.DistributionStatus)
}

type Store interface {
	GetRun(ctx context.Context, tenantID, runID string) (payroll.PayrollRun, error)
	ListItems(ctx context.Context, tenantID, runID string) ([]payroll.PayrollRunItem, error)
	GetItem(ctx context.Context, tenantID, itemID string) (payroll.PayrollRunItem, error)
	RecordDistribution(ctx context.Context, tenantID, itemID string, status payroll.DistributionStatus, lastError string, at time.Time) (payroll.PayrollRunItem, error)
	ListRetryableRuns(ctx context.Context, maxAttempts int) ([]payroll.RunRef, error)
}

type Options struct {
	Workers     int
	MaxAttempts int
	LockTTL     time.Duration
	Locker      lock.Locker
	Archive     Archiver
	Metrics     Recorder
}

// DistributionOutcome reports one attempt. Status is the stored status after
// the attempt; Attempt is what this attempt achieved. They differ when a
// re-send of a SENT payslip fails.
type DistributionOutcome struct {
	PayslipID  string                     `json:"payslipId"`
	EmployeeID string                     `json:"employeeId"`
	Status     payroll.DistributionStatus `json:"status"`
	Attempt    payroll.DistributionStatus `json:"attempt"`
	Attempts   int                        `json:"attempts"`
	Error      string                     `json:"error,omitempty"`
}

type BatchOutcome struct {
	RunID             string   `json:"runId"`
	Total             int      `json:"total"`
	Sent              int      `json:"sent"`
	Failed            int      `json:"failed"`
	Skipped           int      `json:"skipped"`
	FailedEmployeeIDs []string `json:"failedEmployeeIds"`
	Cancelled         bool     `json:"cancelled"`
}

// Dispatcher sends payslips and records one outcome per attempt. It never
// retries on its own; RetryFailed and the scheduler do.
type Dispatcher struct {
	store       Store
	renderer    Renderer
	notifier    Notifier
	locker      lock.Locker
	archive     Archiver
	metrics     Recorder
	workers     int
	maxAttempts int
	lockTTL     time.Duration
	now         func() time.Time
}

func NewDispatcher(store Store, renderer Renderer, notifier Notifier, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	return &Dispatcher{
		store:       store,
		renderer:    renderer,
		notifier:    notifier,
		locker:      opts.Locker,
		archive:     opts.Archive,
		metrics:     opts.Metrics,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		lockTTL:     opts.LockTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SendOne dispatches a single payslip. Sending an already SENT payslip sends
// it again; delivery is at-least-once.
func (d *Dispatcher) SendOne(ctx context.Context, tenantID, payslipID string) (DistributionOutcome, error) {
	item, err := d.store.GetItem(ctx, tenantID, payslipID)
	if err != nil {
		return DistributionOutcome{}, err
	}
	return d.deliver(ctx, item)
}

// SendBatch attempts every payslip of the run that is not yet SENT. A failure
// for one recipient never affects the others. Cancelling ctx stops scheduling
// new recipients; completed sends stay SENT.
func (d *Dispatcher) SendBatch(ctx context.Context, tenantID, runID string) (BatchOutcome, error) {
	return d.batch(ctx, tenantID, runID, func(item payroll.PayrollRunItem) bool {
		return item.DistributionStatus != payroll.DistributionSent
	})
}

// RetryFailed re-attempts FAILED payslips still below the attempt limit.
func (d *Dispatcher) RetryFailed(ctx context.Context, tenantID, runID string) (BatchOutcome, error) {
	return d.batch(ctx, tenantID, runID, func(item payroll.PayrollRunItem) bool {
		return item.DistributionStatus == payroll.DistributionFailed && item.DistributionAttempts < d.maxAttempts
	})
}

// RetryableRuns lists runs holding FAILED payslips below the attempt limit.
func (d *Dispatcher) RetryableRuns(ctx context.Context) ([]payroll.RunRef, error) {
	return d.store.ListRetryableRuns(ctx, d.maxAttempts)
}

// Download returns the payslip without changing its distribution state. The
// archived copy of a sent payslip is preferred over a fresh rendering, so the
// employee gets the bytes that were mailed.
func (d *Dispatcher) Download(ctx context.Context, tenantID, payslipID string) (payslip.Document, payroll.PayrollRunItem, error) {
	item, err := d.store.GetItem(ctx, tenantID, payslipID)
	if err != nil {
		return payslip.Document{}, payroll.PayrollRunItem{}, err
	}
	doc, err := d.renderer.RenderArtifact(item)
	if err != nil {
		return payslip.Document{}, payroll.PayrollRunItem{}, err
	}
	if item.DistributionStatus == payroll.DistributionSent && d.archive != nil {
		data, found, err := d.archive.Fetch(tenantID, doc)
		switch {
		case err != nil:
			slog.Warn("payslip archive read failed", "tenantId", tenantID, "payslipId", payslipID, "err", err)
		case found:
			doc.Data = data
		}
	}
	return doc, item, nil
}

func (d *Dispatcher) batch(ctx context.Context, tenantID, runID string, eligible func(payroll.PayrollRunItem) bool) (BatchOutcome, error) {
	if _, err := d.store.GetRun(ctx, tenantID, runID); err != nil {
		return BatchOutcome{}, err
	}

	held, err := d.locker.Obtain(ctx, lockKey(tenantID, runID), d.lockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return BatchOutcome{}, ErrBatchInProgress
	}
	if err != nil {
		return BatchOutcome{}, fmt.Errorf("obtain distribution lock: %w", err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("distribution lock release failed", "tenantId", tenantID, "runId", runID, "err", err)
		}
	}()

	items, err := d.store.ListItems(ctx, tenantID, runID)
	if err != nil {
		return BatchOutcome{}, err
	}

	outcome := BatchOutcome{RunID: runID, Total: len(items), FailedEmployeeIDs: []string{}}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.workers)
	for _, item := range items {
		item := item
		if !eligible(item) {
			outcome.Skipped++
			continue
		}
		if ctx.Err() != nil {
			outcome.Cancelled = true
			outcome.Skipped++
			continue
		}
		g.Go(func() error {
			// Units queued before cancellation are dropped, not attempted.
			if ctx.Err() != nil {
				mu.Lock()
				outcome.Cancelled = true
				outcome.Skipped++
				mu.Unlock()
				return nil
			}
			result, err := d.deliver(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && result.Attempt == payroll.DistributionSent:
				outcome.Sent++
			default:
				outcome.Failed++
				outcome.FailedEmployeeIDs = append(outcome.FailedEmployeeIDs, item.EmployeeID)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(outcome.FailedEmployeeIDs)
	return outcome, nil
}

// deliver makes one attempt and records it. The returned error is non-nil only
// when the outcome could not be recorded.
func (d *Dispatcher) deliver(ctx context.Context, item payroll.PayrollRunItem) (DistributionOutcome, error) {
	status := payroll.DistributionSent
	lastError := ""

	doc, err := d.renderer.RenderArtifact(item)
	if err == nil {
		err = d.notifier.Send(ctx, Recipient{EmployeeID: item.EmployeeID, Name: item.EmployeeName, Email: item.EmployeeEmail}, doc)
	}
	if err != nil {
		status = payroll.DistributionFailed
		lastError = truncate(err.Error(), 500)
		level := slog.LevelWarn
		if errors.Is(err, payslip.ErrArtifactRender) {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "payslip distribution failed",
			"tenantId", item.TenantID, "runId", item.RunID, "employeeId", item.EmployeeID, "err", err)
	}

	// The attempt is recorded even when the caller went away mid-send.
	updated, recErr := d.store.RecordDistribution(context.WithoutCancel(ctx), item.TenantID, item.ID, status, lastError, d.now())
	if recErr != nil {
		return DistributionOutcome{}, fmt.Errorf("record distribution for %s: %w", item.EmployeeID, recErr)
	}
	if d.metrics != nil {
		d.metrics.RecordDistribution(status)
	}
	if status == payroll.DistributionSent && d.archive != nil {
		if _, err := d.archive.Store(item.TenantID, doc); err != nil {
			slog.Warn("payslip archive failed", "tenantId", item.TenantID, "employeeId", item.EmployeeID, "err", err)
		}
	}
	return DistributionOutcome{
		PayslipID:  updated.ID,
		EmployeeID: updated.EmployeeID,
		Status:     updated.DistributionStatus,
		Attempt:    status,
		Attempts:   updated.DistributionAttempts,
		Error:      lastError,
	}, nil
}

func lockKey(tenantID, runID string) string {
	return "payroll:distribution:" + tenantID + ":" + runID
}

// truncate caps value at limit bytes without splitting a UTF-8 sequence.
func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
