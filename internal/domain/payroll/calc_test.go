package payroll

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func sampleProfile() CompensationProfile {
	return CompensationProfile{
		EmployeeID:   "E1",
		Name:         "Asha Rao",
		Email:        "asha@example.com",
		EmployeeType: EmployeeTypeFullTime,
		Basic:        dec("30000"),
		HRA:          dec("12000"),
		Allowances:   dec("3000"),
	}
}

func TestComputeReferenceEmployee(t *testing.T) {
	period := Period{Month: 11, Year: 2025}
	line, err := Compute(sampleProfile(), AttendanceAdjustment{EmployeeID: "E1", Period: period, DaysWithoutPay: dec("2")}, DefaultRatePolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"lwpDeduction", line.LWPDeduction, "2000"},
		{"grossSalary", line.GrossSalary, "43000"},
		{"pf", line.PF, "3600"},
		{"tax", line.Tax, "2000"},
		{"totalDeductions", line.TotalDeductions, "5600"},
		{"netSalary", line.NetSalary, "37400"},
	}
	for _, c := range checks {
		if !c.got.Equal(dec(c.want)) {
			t.Fatalf("expected %s %s, got %s", c.name, c.want, c.got)
		}
	}
	if line.DaysInPeriod != 30 {
		t.Fatalf("expected 30 days in period, got %d", line.DaysInPeriod)
	}
	if !line.Selected {
		t.Fatal("expected computed line to be selected")
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	period := Period{Month: 2, Year: 2024}
	attendance := AttendanceAdjustment{EmployeeID: "E1", Period: period, DaysWithoutPay: dec("1.5")}
	first, err := Compute(sampleProfile(), attendance, DefaultRatePolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := Compute(sampleProfile(), attendance, DefaultRatePolicy())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !next.NetSalary.Equal(first.NetSalary) || !next.LWPDeduction.Equal(first.LWPDeduction) {
			t.Fatalf("expected identical output, got %s/%s and %s/%s", first.NetSalary, first.LWPDeduction, next.NetSalary, next.LWPDeduction)
		}
	}
}

func TestComputeRoundsLWPHalfUp(t *testing.T) {
	profile := sampleProfile()
	profile.Basic = dec("1000")
	profile.HRA = decimal.Zero
	profile.Allowances = decimal.Zero
	// 1000 / 31 = 32.2580...
	tests := []struct {
		name  string
		month int
		days  string
		want  string
	}{
		{name: "31 day month", month: 1, days: "1", want: "32.26"},
		{name: "half day", month: 1, days: "0.5", want: "16.13"},
		{name: "exact", month: 4, days: "3", want: "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			period := Period{Month: tt.month, Year: 2025}
			line, err := Compute(profile, AttendanceAdjustment{Period: period, DaysWithoutPay: dec(tt.days)}, NewPolicySet(&RatePolicy{}, nil).For(""))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !line.LWPDeduction.Equal(dec(tt.want)) {
				t.Fatalf("expected lwp %s, got %s", tt.want, line.LWPDeduction)
			}
		})
	}
}

func TestRoundMoneyHalfUp(t *testing.T) {
	cases := map[string]string{
		"10.005": "10.01",
		"10.004": "10",
		"0.125":  "0.13",
		"99.995": "100",
	}
	for in, want := range cases {
		if got := RoundMoney(dec(in)); !got.Equal(dec(want)) {
			t.Fatalf("expected %s to round to %s, got %s", in, want, got)
		}
	}
}

func TestComputeNegativeNetIsError(t *testing.T) {
	profile := sampleProfile()
	policy := &RatePolicy{PFExpr: "gross + 1.0"}
	_, err := Compute(profile, AttendanceAdjustment{Period: Period{Month: 11, Year: 2025}, DaysWithoutPay: decimal.Zero}, policy)
	if !errors.Is(err, ErrNegativeNetSalary) {
		t.Fatalf("expected negative net error, got %v", err)
	}
	var compErr *ComputationError
	if !errors.As(err, &compErr) || compErr.EmployeeID != "E1" {
		t.Fatalf("expected computation error for E1, got %v", err)
	}
}

func TestComputeRejectsInvalidInputs(t *testing.T) {
	period := Period{Month: 11, Year: 2025}
	negative := sampleProfile()
	negative.HRA = dec("-1")
	unknownType := sampleProfile()
	unknownType.EmployeeType = "VOLUNTEER"

	tests := []struct {
		name       string
		profile    CompensationProfile
		attendance AttendanceAdjustment
		want       error
	}{
		{name: "negative hra", profile: negative, attendance: AttendanceAdjustment{Period: period}, want: ErrInvalidProfile},
		{name: "unknown type", profile: unknownType, attendance: AttendanceAdjustment{Period: period}, want: ErrInvalidProfile},
		{name: "too many lwp days", profile: sampleProfile(), attendance: AttendanceAdjustment{Period: period, DaysWithoutPay: dec("31")}, want: ErrInvalidAttendance},
		{name: "negative lwp days", profile: sampleProfile(), attendance: AttendanceAdjustment{Period: period, DaysWithoutPay: dec("-1")}, want: ErrInvalidAttendance},
		{name: "other employee", profile: sampleProfile(), attendance: AttendanceAdjustment{EmployeeID: "E2", Period: period}, want: ErrInvalidAttendance},
		{name: "bad period", profile: sampleProfile(), attendance: AttendanceAdjustment{Period: Period{Month: 13, Year: 2025}}, want: ErrInvalidPeriod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compute(tt.profile, tt.attendance, DefaultRatePolicy()); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPeriodDays(t *testing.T) {
	tests := []struct {
		period Period
		days   int
	}{
		{Period{Month: 2, Year: 2024}, 29},
		{Period{Month: 2, Year: 2025}, 28},
		{Period{Month: 11, Year: 2025}, 30},
		{Period{Month: 12, Year: 2025}, 31},
	}
	for _, tt := range tests {
		if got := tt.period.DaysInPeriod(); got != tt.days {
			t.Fatalf("expected %d days in %s, got %d", tt.days, tt.period, got)
		}
	}
}

func TestApplySelection(t *testing.T) {
	lines := []PayrollLine{{EmployeeID: "E1", Selected: true}, {EmployeeID: "E2", Selected: true}}
	out := ApplySelection(lines, []string{"E2"})
	if !out[0].Selected || out[1].Selected {
		t.Fatalf("unexpected selection: %+v", out)
	}
	if !lines[1].Selected {
		t.Fatal("expected input lines to be left untouched")
	}
}
