package payroll

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RunStatus string

type DistributionStatus string

func ParseDistributionStatus(raw string) (DistributionStatus, error) {
	switch DistributionStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case DistributionNotSent:
		return DistributionNotSent, nil
	case DistributionSent:
		return DistributionSent, nil
	case DistributionFailed:
		return DistributionFailed, nil
	}
	return "", fmt.Errorf("unknown distribution status %q", raw)
}

type EmployeeType string

func ParseEmployeeType(raw string) (EmployeeType, error) {
	candidate := EmployeeType(strings.ToUpper(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: unknown employee type %q", ErrInvalidProfile, raw)
}

func (t EmployeeType) Valid() bool {
	for _, known := range EmployeeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Period is a calendar month. All dates are UTC.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

func NewPeriod(month, year int) (Period, error) {
	p := Period{Month: month, Year: year}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("%w: month must be between 1 and 12", ErrInvalidPeriod)
	}
	if p.Year < 1970 || p.Year > 9999 {
		return fmt.Errorf("%w: year must be between 1970 and 9999", ErrInvalidPeriod)
	}
	return nil
}

func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End is the last calendar day of the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

func (p Period) DaysInPeriod() int {
	return p.End().Day()
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// CompensationProfile is owned by the directory. The profile effective on the
// last day of a period is the one used for that period.
type CompensationProfile struct {
	EmployeeID    string          `json:"employeeId"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	EmployeeType  EmployeeType    `json:"employeeType"`
	Basic         decimal.Decimal `json:"basic"`
	HRA           decimal.Decimal `json:"hra"`
	Allowances    decimal.Decimal `json:"allowances"`
	EffectiveFrom time.Time       `json:"effectiveFrom"`
}

func (p CompensationProfile) Validate() error {
	if strings.TrimSpace(p.EmployeeID) == "" {
		return fmt.Errorf("%w: employee id is required", ErrInvalidProfile)
	}
	if !p.EmployeeType.Valid() {
		return fmt.Errorf("%w: unknown employee type %q", ErrInvalidProfile, p.EmployeeType)
	}
	if p.Basic.IsNegative() || p.HRA.IsNegative() || p.Allowances.IsNegative() {
		return fmt.Errorf("%w: basic, hra and allowances must not be negative", ErrInvalidProfile)
	}
	return nil
}

type AttendanceAdjustment struct {
	EmployeeID     string          `json:"employeeId"`
	Period         Period          `json:"period"`
	DaysWithoutPay decimal.Decimal `json:"daysWithoutPay"`
}

func (a AttendanceAdjustment) Validate() error {
	if err := a.Period.Validate(); err != nil {
		return err
	}
	days := decimal.NewFromInt(int64(a.Period.DaysInPeriod()))
	if a.DaysWithoutPay.IsNegative() || a.DaysWithoutPay.GreaterThan(days) {
		return fmt.Errorf("%w: days without pay %s outside 0..%s", ErrInvalidAttendance, a.DaysWithoutPay, days)
	}
	return nil
}

// PayrollLine is a computed candidate. It is never persisted on its own.
type PayrollLine struct {
	EmployeeID      string          `json:"employeeId"`
	EmployeeName    string          `json:"employeeName"`
	EmployeeEmail   string          `json:"employeeEmail"`
	EmployeeType    EmployeeType    `json:"employeeType"`
	Period          Period          `json:"period"`
	Basic           decimal.Decimal `json:"basic"`
	HRA             decimal.Decimal `json:"hra"`
	Allowances      decimal.Decimal `json:"allowances"`
	LWPDays         decimal.Decimal `json:"lwpDays"`
	DaysInPeriod    int             `json:"daysInPeriod"`
	LWPDeduction    decimal.Decimal `json:"lwpDeduction"`
	GrossSalary     decimal.Decimal `json:"grossSalary"`
	PF              decimal.Decimal `json:"pf"`
	Tax             decimal.Decimal `json:"tax"`
	TotalDeductions decimal.Decimal `json:"totalDeductions"`
	NetSalary       decimal.Decimal `json:"netSalary"`
	Selected        bool            `json:"selected"`
	Error           string          `json:"error,omitempty"`
}

type PayrollRun struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Period          Period          `json:"period"`
	Status          RunStatus       `json:"status"`
	Currency        string          `json:"currency"`
	TotalEmployees  int             `json:"totalEmployees"`
	TotalGross      decimal.Decimal `json:"totalGross"`
	TotalDeductions decimal.Decimal `json:"totalDeductions"`
	TotalNet        decimal.Decimal `json:"totalNet"`
	CreatedBy       string          `json:"createdBy,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// PayrollRunItem is the persisted payslip of one employee in a run. Monetary
// fields are frozen at commit time.
type PayrollRunItem struct {
	ID                   string             `json:"id"`
	RunID                string             `json:"runId"`
	TenantID             string             `json:"tenantId"`
	EmployeeID           string             `json:"employeeId"`
	EmployeeName         string             `json:"employeeName"`
	EmployeeEmail        string             `json:"employeeEmail"`
	EmployeeType         EmployeeType       `json:"employeeType"`
	Period               Period             `json:"period"`
	Currency             string             `json:"currency"`
	Basic                decimal.Decimal    `json:"basic"`
	HRA                  decimal.Decimal    `json:"hra"`
	Allowances           decimal.Decimal    `json:"allowances"`
	LWPDays              decimal.Decimal    `json:"lwpDays"`
	DaysInPeriod         int                `json:"daysInPeriod"`
	LWPDeduction         decimal.Decimal    `json:"lwpDeduction"`
	GrossSalary          decimal.Decimal    `json:"grossSalary"`
	PF                   decimal.Decimal    `json:"pf"`
	Tax                  decimal.Decimal    `json:"tax"`
	TotalDeductions      decimal.Decimal    `json:"totalDeductions"`
	NetSalary            decimal.Decimal    `json:"netSalary"`
	DistributionStatus   DistributionStatus `json:"distributionStatus"`
	DistributionAttempts int                `json:"distributionAttempts"`
	LastError            string             `json:"lastError,omitempty"`
	LastAttemptAt        *time.Time         `json:"lastAttemptAt,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
}

// RunRef identifies a run that still has payslips to distribute.
type RunRef struct {
	TenantID string
	RunID    string
}
