package payroll

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const runColumns = `id::text, tenant_id, month, year, status, currency, total_employees,
       total_gross, total_deductions, total_net, COALESCE(created_by::text, ''), created_at`

func (s *Store) InsertRun(ctx context.Context, run PayrollRun, items []PayrollRunItem) (PayrollRun, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PayrollRun{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var createdBy any
	if run.CreatedBy != "" {
		createdBy = run.CreatedBy
	}
	err = tx.QueryRow(ctx, `
    INSERT INTO payroll_runs (id, tenant_id, month, year, status, currency, total_employees, total_gross, total_deductions, total_net, created_by, created_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    ON CONFLICT (tenant_id, month, year) DO NOTHING
    RETURNING created_at
  `, run.ID, run.TenantID, run.Period.Month, run.Period.Year, string(run.Status), run.Currency, run.TotalEmployees,
		toNumeric(run.TotalGross), toNumeric(run.TotalDeductions), toNumeric(run.TotalNet), createdBy, run.CreatedAt).Scan(&run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return PayrollRun{}, ErrRunAlreadyProcessed
	}
	if err != nil {
		return PayrollRun{}, err
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
      INSERT INTO payroll_run_items (id, run_id, tenant_id, employee_id, employee_name, employee_email, employee_type,
        month, year, currency, basic, hra, allowances, lwp_days, days_in_period, lwp_deduction, gross_salary, pf, tax,
        total_deductions, net_salary, distribution_status, distribution_attempts, created_at)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
    `, item.ID, run.ID, run.TenantID, item.EmployeeID, item.EmployeeName, item.EmployeeEmail, string(item.EmployeeType),
			run.Period.Month, run.Period.Year, item.Currency, toNumeric(item.Basic), toNumeric(item.HRA), toNumeric(item.Allowances),
			toNumeric(item.LWPDays), item.DaysInPeriod, toNumeric(item.LWPDeduction), toNumeric(item.GrossSalary),
			toNumeric(item.PF), toNumeric(item.Tax), toNumeric(item.TotalDeductions), toNumeric(item.NetSalary),
			string(item.DistributionStatus), item.DistributionAttempts, run.CreatedAt)
	}
	results := tx.SendBatch(ctx, batch)
	for range items {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return PayrollRun{}, fmt.Errorf("insert payroll run item: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return PayrollRun{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return PayrollRun{}, ErrRunAlreadyProcessed
		}
		return PayrollRun{}, err
	}
	return run, nil
}

func (s *Store) FindRun(ctx context.Context, tenantID string, period Period) (PayrollRun, error) {
	row := s.DB.QueryRow(ctx, `
    SELECT `+runColumns+`
    FROM payroll_runs
    WHERE tenant_id = $1 AND month = $2 AND year = $3
  `, tenantID, period.Month, period.Year)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PayrollRun{}, ErrRunNotFound
	}
	return run, err
}

func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (PayrollRun, error) {
	row := s.DB.QueryRow(ctx, `
    SELECT `+runColumns+`
    FROM payroll_runs
    WHERE tenant_id = $1 AND id::text = $2
  `, tenantID, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PayrollRun{}, ErrRunNotFound
	}
	return run, err
}

func (s *Store) ListRetryableRuns(ctx context.Context, maxAttempts int) ([]RunRef, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT DISTINCT tenant_id::text, run_id::text
    FROM payroll_run_items
    WHERE distribution_status = $1 AND distribution_attempts < $2
  `, string(DistributionFailed), maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRef
	for rows.Next() {
		var ref RunRef
		if err := rows.Scan(&ref.TenantID, &ref.RunID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (PayrollRun, error) {
	var run PayrollRun
	var status string
	var gross, deductions, net pgtype.Numeric
	if err := row.Scan(&run.ID, &run.TenantID, &run.Period.Month, &run.Period.Year, &status, &run.Currency,
		&run.TotalEmployees, &gross, &deductions, &net, &run.CreatedBy, &run.CreatedAt); err != nil {
		return PayrollRun{}, err
	}
	run.Status = RunStatus(status)
	run.TotalGross = fromNumeric(gross)
	run.TotalDeductions = fromNumeric(deductions)
	run.TotalNet = fromNumeric(net)
	return run, nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
