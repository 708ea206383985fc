package payroll

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundMoney rounds to the reporting currency minor unit, half up.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(moneyPlaces)
}

// Compute derives the payroll line of one employee for the attendance period.
// It has no hidden state: identical inputs always give an identical line.
func Compute(profile CompensationProfile, attendance AttendanceAdjustment, policy DeductionPolicy) (PayrollLine, error) {
	if err := profile.Validate(); err != nil {
		return PayrollLine{}, &ComputationError{EmployeeID: profile.EmployeeID, Err: err}
	}
	if attendance.EmployeeID != "" && attendance.EmployeeID != profile.EmployeeID {
		return PayrollLine{}, &ComputationError{
			EmployeeID: profile.EmployeeID,
			Err:        fmt.Errorf("%w: attendance belongs to employee %s", ErrInvalidAttendance, attendance.EmployeeID),
		}
	}
	if err := attendance.Validate(); err != nil {
		return PayrollLine{}, &ComputationError{EmployeeID: profile.EmployeeID, Err: err}
	}
	if policy == nil {
		return PayrollLine{}, &ComputationError{EmployeeID: profile.EmployeeID, Err: fmt.Errorf("%w: no policy configured", ErrInvalidPolicy)}
	}

	days := attendance.Period.DaysInPeriod()
	lwp := decimal.Zero
	if attendance.DaysWithoutPay.IsPositive() {
		lwp = RoundMoney(profile.Basic.Mul(attendance.DaysWithoutPay).Div(decimal.NewFromInt(int64(days))))
	}
	gross := profile.Basic.Add(profile.HRA).Add(profile.Allowances).Sub(lwp)

	pf, err := policy.PF(gross, profile)
	if err != nil {
		return PayrollLine{}, &ComputationError{EmployeeID: profile.EmployeeID, Err: err}
	}
	tax, err := policy.Tax(gross, profile)
	if err != nil {
		return PayrollLine{}, &ComputationError{EmployeeID: profile.EmployeeID, Err: err}
	}
	pf = RoundMoney(pf)
	tax = RoundMoney(tax)
	if pf.IsNegative() || tax.IsNegative() {
		return PayrollLine{}, &ComputationError{
			EmployeeID: profile.EmployeeID,
			Err:        fmt.Errorf("%w: pf %s and tax %s must not be negative", ErrInvalidPolicy, pf, tax),
		}
	}

	totalDeductions := pf.Add(tax)
	net := gross.Sub(totalDeductions)
	if net.IsNegative() {
		return PayrollLine{}, &ComputationError{
			EmployeeID: profile.EmployeeID,
			Err:        fmt.Errorf("%w: gross %s minus deductions %s is %s", ErrNegativeNetSalary, gross, totalDeductions, net),
		}
	}

	return PayrollLine{
		EmployeeID:      profile.EmployeeID,
		EmployeeName:    profile.Name,
		EmployeeEmail:   profile.Email,
		EmployeeType:    profile.EmployeeType,
		Period:          attendance.Period,
		Basic:           profile.Basic,
		HRA:             profile.HRA,
		Allowances:      profile.Allowances,
		LWPDays:         attendance.DaysWithoutPay,
		DaysInPeriod:    days,
		LWPDeduction:    lwp,
		GrossSalary:     gross,
		PF:              pf,
		Tax:             tax,
		TotalDeductions: totalDeductions,
		NetSalary:       net,
		Selected:        true,
	}, nil
}

// ApplySelection marks the deselected employees of a session as not selected.
// Lines that failed to compute stay unselected.
func ApplySelection(lines []PayrollLine, deselected []string) []PayrollLine {
	if len(deselected) == 0 {
		return lines
	}
	skip := make(map[string]struct{}, len(deselected))
	for _, id := range deselected {
		skip[id] = struct{}{}
	}
	out := make([]PayrollLine, len(lines))
	for i, line := range lines {
		if _, ok := skip[line.EmployeeID]; ok {
			line.Selected = false
		}
		out[i] = line
	}
	return out
}
