package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"hrmpay/internal/domain/payroll"
)

const LeaveStatusApproved = "approved"

// Window is an approved unpaid leave request. Half flags mark a half day on
// the first or last date.
type Window struct {
	StartDate time.Time
	EndDate   time.Time
	StartHalf bool
	EndHalf   bool
}

// Store derives loss-of-pay days from approved unpaid leave.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

func (s *Store) GetLossOfPayDays(ctx context.Context, tenantID, employeeID string, period payroll.Period) (decimal.Decimal, error) {
	windows, err := s.ListUnpaidLeaves(ctx, tenantID, employeeID, period.Start(), period.End())
	if err != nil {
		return decimal.Zero, err
	}
	return UnpaidDays(windows, period), nil
}

func (s *Store) ListUnpaidLeaves(ctx context.Context, tenantID, employeeID string, periodStart, periodEnd time.Time) ([]Window, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT lr.start_date, lr.end_date, lr.start_half, lr.end_half
    FROM leave_requests lr
    JOIN leave_types lt ON lr.leave_type_id = lt.id
    WHERE lr.tenant_id = $1
      AND lr.employee_id::text = $2
      AND lr.status = $3
      AND lt.is_paid = false
      AND lr.start_date <= $4::date
      AND lr.end_date >= $5::date
  `, tenantID, employeeID, LeaveStatusApproved, periodEnd, periodStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var window Window
		if err := rows.Scan(&window.StartDate, &window.EndDate, &window.StartHalf, &window.EndHalf); err != nil {
			return nil, err
		}
		out = append(out, window)
	}
	return out, rows.Err()
}

// UnpaidDays sums the overlap of the windows with the period. A half flag
// only counts when its date falls inside the period. The result never
// exceeds the days in the period.
func UnpaidDays(windows []Window, period payroll.Period) decimal.Decimal {
	periodStart, periodEnd := period.Start(), period.End()
	half := decimal.RequireFromString("0.5")
	total := decimal.Zero
	for _, w := range windows {
		start, end := dateOnly(w.StartDate), dateOnly(w.EndDate)
		overlapStart := start
		if periodStart.After(overlapStart) {
			overlapStart = periodStart
		}
		overlapEnd := end
		if periodEnd.Before(overlapEnd) {
			overlapEnd = periodEnd
		}
		days, err := inclusiveDays(overlapStart, overlapEnd)
		if err != nil {
			continue
		}
		if w.StartHalf && overlapStart.Equal(start) {
			days = days.Sub(half)
		}
		if w.EndHalf && overlapEnd.Equal(end) {
			days = days.Sub(half)
		}
		if days.IsPositive() {
			total = total.Add(days)
		}
	}
	limit := decimal.NewFromInt(int64(period.DaysInPeriod()))
	if total.GreaterThan(limit) {
		return limit
	}
	return total
}

func inclusiveDays(start, end time.Time) (decimal.Decimal, error) {
	if end.Before(start) {
		return decimal.Zero, errors.New("end date before start date")
	}
	days := int64(end.Sub(start).Hours()/24) + 1
	return decimal.NewFromInt(days), nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
