package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"hrmpay/internal/domain/payroll"
)

const EmployeeStatusActive = "active"

// Store reads employees and their effective-dated compensation. The directory
// owns these tables; payroll only reads them.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const profileQuery = `
    SELECT e.id::text, TRIM(e.first_name || ' ' || e.last_name), e.email, e.employee_type,
           cp.basic, cp.hra, cp.allowances, cp.effective_from
    FROM employees e
    JOIN LATERAL (
      SELECT c.basic, c.hra, c.allowances, c.effective_from
      FROM compensation_profiles c
      WHERE c.tenant_id = e.tenant_id AND c.employee_id = e.id AND c.effective_from <= $2::date
      ORDER BY c.effective_from DESC
      LIMIT 1
    ) cp ON true
    WHERE e.tenant_id = $1 AND e.status = $3`

func (s *Store) ListCompensationProfiles(ctx context.Context, tenantID string, asOf time.Time) ([]payroll.CompensationProfile, error) {
	rows, err := s.DB.Query(ctx, profileQuery+`
    ORDER BY e.last_name, e.first_name, e.id
  `, tenantID, asOf, EmployeeStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.CompensationProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

func (s *Store) GetCompensationProfile(ctx context.Context, tenantID, employeeID string, asOf time.Time) (payroll.CompensationProfile, error) {
	row := s.DB.QueryRow(ctx, profileQuery+` AND e.id::text = $4`, tenantID, asOf, EmployeeStatusActive, employeeID)
	profile, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.CompensationProfile{}, payroll.ErrUnknownEmployee
	}
	return profile, err
}

// EmployeeIDForUser maps a login to its employee record.
func (s *Store) EmployeeIDForUser(ctx context.Context, tenantID, userID string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, "SELECT id::text FROM employees WHERE tenant_id = $1 AND user_id::text = $2", tenantID, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", payroll.ErrUnknownEmployee
	}
	return id, err
}

func scanProfile(row pgx.Row) (payroll.CompensationProfile, error) {
	var p payroll.CompensationProfile
	var employeeType string
	var basic, hra, allowances pgtype.Numeric
	if err := row.Scan(&p.EmployeeID, &p.Name, &p.Email, &employeeType, &basic, &hra, &allowances, &p.EffectiveFrom); err != nil {
		return payroll.CompensationProfile{}, err
	}
	// Unknown types are kept as-is and rejected by payroll validation.
	p.EmployeeType = payroll.EmployeeType(strings.ToUpper(strings.TrimSpace(employeeType)))
	p.Basic = numeric(basic)
	p.HRA = numeric(hra)
	p.Allowances = numeric(allowances)
	return p, nil
}

func numeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
