package payroll

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type StoreAPI interface {
	// InsertRun persists the run and its items in one transaction. It returns
	// ErrRunAlreadyProcessed, and writes nothing, when the period already has a run.
	InsertRun(ctx context.Context, run PayrollRun, items []PayrollRunItem) (PayrollRun, error)
	FindRun(ctx context.Context, tenantID string, period Period) (PayrollRun, error)
	GetRun(ctx context.Context, tenantID, runID string) (PayrollRun, error)
	ListItems(ctx context.Context, tenantID, runID string) ([]PayrollRunItem, error)
	ListItemsByPeriod(ctx context.Context, tenantID string, period Period) ([]PayrollRunItem, error)
	GetItem(ctx context.Context, tenantID, itemID string) (PayrollRunItem, error)
	// RecordDistribution stores one send attempt. A SENT item never goes back to FAILED.
	RecordDistribution(ctx context.Context, tenantID, itemID string, status DistributionStatus, lastError string, at time.Time) (PayrollRunItem, error)
	ListRetryableRuns(ctx context.Context, maxAttempts int) ([]RunRef, error)
}

// Directory is the employee directory collaborator.
type Directory interface {
	ListCompensationProfiles(ctx context.Context, tenantID string, asOf time.Time) ([]CompensationProfile, error)
	// GetCompensationProfile returns ErrUnknownEmployee when the employee is not active.
	GetCompensationProfile(ctx context.Context, tenantID, employeeID string, asOf time.Time) (CompensationProfile, error)
}

// Attendance is the attendance collaborator.
type Attendance interface {
	GetLossOfPayDays(ctx context.Context, tenantID, employeeID string, period Period) (decimal.Decimal, error)
}
