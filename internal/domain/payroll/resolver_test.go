package payroll

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestResolver(dir *fakeDirectory, att *fakeAttendance) *Resolver {
	return NewResolver(dir, att, NewPolicySet(nil, nil), 4)
}

func TestResolvePeriodComputesEveryEmployee(t *testing.T) {
	second := sampleProfile()
	second.EmployeeID = "E2"
	second.Name = "Ben Iyer"
	second.Basic = dec("20000")
	second.HRA = dec("8000")
	second.Allowances = decimal.Zero

	resolver := newTestResolver(newFakeDirectory(sampleProfile(), second), &fakeAttendance{days: map[string]decimal.Decimal{"E1": dec("2")}})
	lines, err := resolver.ResolvePeriod(context.Background(), "T", Period{Month: 11, Year: 2025})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].EmployeeID != "E1" || !lines[0].NetSalary.Equal(dec("37400")) {
		t.Fatalf("unexpected first line: %+v", lines[0])
	}
	if lines[1].EmployeeID != "E2" || !lines[1].LWPDeduction.IsZero() {
		t.Fatalf("unexpected second line: %+v", lines[1])
	}
	for _, line := range lines {
		if !line.Selected {
			t.Fatalf("expected line %s to default to selected", line.EmployeeID)
		}
	}
}

func TestResolvePeriodIsolatesComputationErrors(t *testing.T) {
	broken := sampleProfile()
	broken.EmployeeID = "E2"
	broken.Basic = dec("-5")

	resolver := newTestResolver(newFakeDirectory(sampleProfile(), broken), &fakeAttendance{})
	lines, err := resolver.ResolvePeriod(context.Background(), "T", Period{Month: 11, Year: 2025})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lines[1].Selected || lines[1].Error == "" {
		t.Fatalf("expected broken line to be unselected with error, got %+v", lines[1])
	}
	if !lines[0].Selected || lines[0].Error != "" {
		t.Fatalf("expected healthy line to be unaffected, got %+v", lines[0])
	}
}

func TestResolvePeriodNoEmployees(t *testing.T) {
	resolver := newTestResolver(newFakeDirectory(), &fakeAttendance{})
	lines, err := resolver.ResolvePeriod(context.Background(), "T", Period{Month: 11, Year: 2025})
	if !errors.Is(err, ErrNoEmployeesFound) {
		t.Fatalf("expected no employees error, got %v", err)
	}
	if lines == nil || len(lines) != 0 {
		t.Fatalf("expected empty non-nil lines, got %#v", lines)
	}
}

func TestResolvePeriodUpstreamFailures(t *testing.T) {
	t.Run("directory", func(t *testing.T) {
		dir := newFakeDirectory(sampleProfile())
		dir.err = errBoom
		_, err := newTestResolver(dir, &fakeAttendance{}).ResolvePeriod(context.Background(), "T", Period{Month: 11, Year: 2025})
		assertUpstream(t, err, "directory")
	})
	t.Run("attendance", func(t *testing.T) {
		_, err := newTestResolver(newFakeDirectory(sampleProfile()), &fakeAttendance{err: errBoom}).ResolvePeriod(context.Background(), "T", Period{Month: 11, Year: 2025})
		assertUpstream(t, err, "attendance")
	})
}

func assertUpstream(t *testing.T, err error, collaborator string) {
	t.Helper()
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, errBoom) {
		t.Fatalf("expected upstream error wrapping cause, got %v", err)
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Collaborator != collaborator {
		t.Fatalf("expected %s upstream error, got %v", collaborator, err)
	}
}

func TestResolveSelected(t *testing.T) {
	resolver := newTestResolver(newFakeDirectory(sampleProfile()), &fakeAttendance{days: map[string]decimal.Decimal{"E1": dec("2")}})
	period := Period{Month: 11, Year: 2025}

	lines, err := resolver.ResolveSelected(context.Background(), "T", period, []string{" E1 ", "E1", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || !lines[0].NetSalary.Equal(dec("37400")) {
		t.Fatalf("unexpected lines: %+v", lines)
	}

	if _, err := resolver.ResolveSelected(context.Background(), "T", period, []string{"E9"}); !errors.Is(err, ErrUnknownEmployee) {
		t.Fatalf("expected unknown employee, got %v", err)
	}
	if _, err := resolver.ResolveSelected(context.Background(), "T", period, []string{" "}); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected empty selection, got %v", err)
	}
}
