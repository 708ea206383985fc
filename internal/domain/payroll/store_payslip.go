package payroll

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const itemColumns = `id::text, run_id::text, tenant_id, employee_id, employee_name, employee_email, employee_type,
       month, year, currency, basic, hra, allowances, lwp_days, days_in_period, lwp_deduction,
       gross_salary, pf, tax, total_deductions, net_salary, distribution_status,
       distribution_attempts, COALESCE(last_error, ''), last_attempt_at, created_at`

func (s *Store) ListItems(ctx context.Context, tenantID, runID string) ([]PayrollRunItem, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT `+itemColumns+`
    FROM payroll_run_items
    WHERE tenant_id = $1 AND run_id::text = $2
    ORDER BY employee_name, employee_id
  `, tenantID, runID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *Store) ListItemsByPeriod(ctx context.Context, tenantID string, period Period) ([]PayrollRunItem, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT `+itemColumns+`
    FROM payroll_run_items
    WHERE tenant_id = $1 AND month = $2 AND year = $3
    ORDER BY employee_name, employee_id
  `, tenantID, period.Month, period.Year)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *Store) GetItem(ctx context.Context, tenantID, itemID string) (PayrollRunItem, error) {
	row := s.DB.QueryRow(ctx, `
    SELECT `+itemColumns+`
    FROM payroll_run_items
    WHERE tenant_id = $1 AND id::text = $2
  `, tenantID, itemID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PayrollRunItem{}, ErrPayslipNotFound
	}
	return item, err
}

func (s *Store) RecordDistribution(ctx context.Context, tenantID, itemID string, status DistributionStatus, lastError string, at time.Time) (PayrollRunItem, error) {
	row := s.DB.QueryRow(ctx, `
    UPDATE payroll_run_items
    SET distribution_status = CASE WHEN distribution_status = $3 THEN distribution_status ELSE $4 END,
        distribution_attempts = distribution_attempts + 1,
        last_error = NULLIF($5, ''),
        last_attempt_at = $6
    WHERE tenant_id = $1 AND id::text = $2
    RETURNING `+itemColumns, tenantID, itemID, string(DistributionSent), string(status), lastError, at)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PayrollRunItem{}, ErrPayslipNotFound
	}
	return item, err
}

func collectItems(rows pgx.Rows) ([]PayrollRunItem, error) {
	defer rows.Close()
	out := []PayrollRunItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (PayrollRunItem, error) {
	var item PayrollRunItem
	var employeeType, status string
	var basic, hra, allowances, lwpDays, lwp, gross, pf, tax, deductions, net pgtype.Numeric
	if err := row.Scan(&item.ID, &item.RunID, &item.TenantID, &item.EmployeeID, &item.EmployeeName, &item.EmployeeEmail,
		&employeeType, &item.Period.Month, &item.Period.Year, &item.Currency, &basic, &hra, &allowances, &lwpDays,
		&item.DaysInPeriod, &lwp, &gross, &pf, &tax, &deductions, &net, &status, &item.DistributionAttempts,
		&item.LastError, &item.LastAttemptAt, &item.CreatedAt); err != nil {
		return PayrollRunItem{}, err
	}
	parsed, err := ParseDistributionStatus(status)
	if err != nil {
		return PayrollRunItem{}, err
	}
	item.EmployeeType = EmployeeType(employeeType)
	item.DistributionStatus = parsed
	item.Basic = fromNumeric(basic)
	item.HRA = fromNumeric(hra)
	item.Allowances = fromNumeric(allowances)
	item.LWPDays = fromNumeric(lwpDays)
	item.LWPDeduction = fromNumeric(lwp)
	item.GrossSalary = fromNumeric(gross)
	item.PF = fromNumeric(pf)
	item.Tax = fromNumeric(tax)
	item.TotalDeductions = fromNumeric(deductions)
	item.NetSalary = fromNumeric(net)
	return item, nil
}
