package payroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Registry owns payroll runs and their items. A run moves from absent to
// PROCESSED exactly once per tenant and period.
type Registry struct {
	store    StoreAPI
	resolver *Resolver
	currency string
	now      func() time.Time
	newID    func() string
}

func NewRegistry(store StoreAPI, resolver *Resolver, currency string) *Registry {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Registry{
		store:    store,
		resolver: resolver,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// CommitRun recomputes the selected employees and persists the run with all
// its items atomically. A second commit for the same period returns a
// *RunConflictError carrying the existing run and writes nothing.
func (r *Registry) CommitRun(ctx context.Context, tenantID string, period Period, employeeIDs []string, actorID string) (PayrollRun, error) {
	if err := period.Validate(); err != nil {
		return PayrollRun{}, err
	}
	if len(NormalizeSelection(employeeIDs)) == 0 {
		return PayrollRun{}, ErrEmptySelection
	}

	existing, found, err := r.GetRun(ctx, tenantID, period)
	if err != nil {
		return PayrollRun{}, err
	}
	if found {
		return PayrollRun{}, &RunConflictError{Existing: existing}
	}

	lines, err := r.resolver.ResolveSelected(ctx, tenantID, period, employeeIDs)
	if err != nil {
		return PayrollRun{}, err
	}

	run, items := r.buildRun(tenantID, period, lines, actorID)
	if err := VerifyTotals(run, items); err != nil {
		return PayrollRun{}, err
	}

	saved, err := r.store.InsertRun(ctx, run, items)
	if errors.Is(err, ErrRunAlreadyProcessed) {
		existing, found, findErr := r.GetRun(ctx, tenantID, period)
		if findErr != nil {
			return PayrollRun{}, findErr
		}
		if !found {
			return PayrollRun{}, err
		}
		return PayrollRun{}, &RunConflictError{Existing: existing}
	}
	if err != nil {
		return PayrollRun{}, fmt.Errorf("persist payroll run: %w", err)
	}
	return saved, nil
}

// GetRun reports whether the period has a run.
func (r *Registry) GetRun(ctx context.Context, tenantID string, period Period) (PayrollRun, bool, error) {
	if err := period.Validate(); err != nil {
		return PayrollRun{}, false, err
	}
	run, err := r.store.FindRun(ctx, tenantID, period)
	if errors.Is(err, ErrRunNotFound) {
		return PayrollRun{}, false, nil
	}
	if err != nil {
		return PayrollRun{}, false, err
	}
	return run, true, nil
}

func (r *Registry) GetRunByID(ctx context.Context, tenantID, runID string) (PayrollRun, error) {
	return r.store.GetRun(ctx, tenantID, runID)
}

func (r *Registry) ListItems(ctx context.Context, tenantID, runID string) ([]PayrollRunItem, error) {
	if _, err := r.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return r.store.ListItems(ctx, tenantID, runID)
}

// ListPayslips returns the payslips of the period; empty when no run exists.
func (r *Registry) ListPayslips(ctx context.Context, tenantID string, period Period) ([]PayrollRunItem, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	return r.store.ListItemsByPeriod(ctx, tenantID, period)
}

func (r *Registry) GetPayslip(ctx context.Context, tenantID, payslipID string) (PayrollRunItem, error) {
	return r.store.GetItem(ctx, tenantID, payslipID)
}

func (r *Registry) buildRun(tenantID string, period Period, lines []PayrollLine, actorID string) (PayrollRun, []PayrollRunItem) {
	now := r.now()
	run := PayrollRun{
		ID:              r.newID(),
		TenantID:        tenantID,
		Period:          period,
		Status:          RunStatusProcessed,
		Currency:        r.currency,
		TotalEmployees:  len(lines),
		TotalGross:      decimal.Zero,
		TotalDeductions: decimal.Zero,
		TotalNet:        decimal.Zero,
		CreatedBy:       actorID,
		CreatedAt:       now,
	}
	items := make([]PayrollRunItem, 0, len(lines))
	for _, line := range lines {
		run.TotalGross = run.TotalGross.Add(line.GrossSalary)
		run.TotalDeductions = run.TotalDeductions.Add(line.TotalDeductions)
		run.TotalNet = run.TotalNet.Add(line.NetSalary)
		items = append(items, PayrollRunItem{
			ID:                 r.newID(),
			RunID:              run.ID,
			TenantID:           tenantID,
			EmployeeID:         line.EmployeeID,
			EmployeeName:       line.EmployeeName,
			EmployeeEmail:      line.EmployeeEmail,
			EmployeeType:       line.EmployeeType,
			Period:             period,
			Currency:           r.currency,
			Basic:              line.Basic,
			HRA:                line.HRA,
			Allowances:         line.Allowances,
			LWPDays:            line.LWPDays,
			DaysInPeriod:       line.DaysInPeriod,
			LWPDeduction:       line.LWPDeduction,
			GrossSalary:        line.GrossSalary,
			PF:                 line.PF,
			Tax:                line.Tax,
			TotalDeductions:    line.TotalDeductions,
			NetSalary:          line.NetSalary,
			DistributionStatus: DistributionNotSent,
			CreatedAt:          now,
		})
	}
	return run, items
}

// VerifyTotals checks that the run totals equal the sum of its items and
// that gross minus deductions equals net.
func VerifyTotals(run PayrollRun, items []PayrollRunItem) error {
	if run.TotalEmployees != len(items) {
		return fmt.Errorf("%w: %d employees for %d items", ErrTotalsMismatch, run.TotalEmployees, len(items))
	}
	gross, deductions, net := decimal.Zero, decimal.Zero, decimal.Zero
	for _, item := range items {
		if !item.GrossSalary.Sub(item.TotalDeductions).Equal(item.NetSalary) {
			return fmt.Errorf("%w: item %s does not balance", ErrTotalsMismatch, item.EmployeeID)
		}
		gross = gross.Add(item.GrossSalary)
		deductions = deductions.Add(item.TotalDeductions)
		net = net.Add(item.NetSalary)
	}
	if !gross.Equal(run.TotalGross) || !deductions.Equal(run.TotalDeductions) || !net.Equal(run.TotalNet) {
		return fmt.Errorf("%w: run %s", ErrTotalsMismatch, run.ID)
	}
	if !run.TotalGross.Sub(run.TotalDeductions).Equal(run.TotalNet) {
		return fmt.Errorf("%w: run %s gross minus deductions is not net", ErrTotalsMismatch, run.ID)
	}
	return nil
}
