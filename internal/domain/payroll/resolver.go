package payroll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Resolver loads pay profiles and attendance for a period and computes the
// candidate payroll lines. It never writes.
type Resolver struct {
	directory  Directory
	attendance Attendance
	policies   PolicySource
	workers    int
}

func NewResolver(directory Directory, attendance Attendance, policies PolicySource, workers int) *Resolver {
	if workers < 1 {
		workers = 1
	}
	return &Resolver{directory: directory, attendance: attendance, policies: policies, workers: workers}
}

// ResolvePeriod computes a line for every active employee. A line that fails
// to compute is returned unselected with its error instead of failing the
// whole period. When the tenant has no active employees the result is an
// empty slice together with ErrNoEmployeesFound.
func (r *Resolver) ResolvePeriod(ctx context.Context, tenantID string, period Period) ([]PayrollLine, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	profiles, err := r.directory.ListCompensationProfiles(ctx, tenantID, period.End())
	if err != nil {
		return nil, &UpstreamError{Collaborator: "directory", Err: err}
	}
	if len(profiles) == 0 {
		return []PayrollLine{}, ErrNoEmployeesFound
	}

	policy := r.policies.For(tenantID)
	lines := make([]PayrollLine, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, profile := range profiles {
		i, profile := i, profile
		g.Go(func() error {
			attendance, err := r.adjustment(gctx, tenantID, profile.EmployeeID, period)
			if err != nil {
				return err
			}
			line, err := Compute(profile, attendance, policy)
			if err != nil {
				lines[i] = failedLine(profile, period, err)
				return nil
			}
			lines[i] = line
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lines, nil
}

// ResolveSelected recomputes the lines of exactly the given employees from
// source data. Any failure aborts the whole selection.
func (r *Resolver) ResolveSelected(ctx context.Context, tenantID string, period Period, employeeIDs []string) ([]PayrollLine, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	ids := NormalizeSelection(employeeIDs)
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}

	policy := r.policies.For(tenantID)
	lines := make([]PayrollLine, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, employeeID := range ids {
		i, employeeID := i, employeeID
		g.Go(func() error {
			profile, err := r.directory.GetCompensationProfile(gctx, tenantID, employeeID, period.End())
			if errors.Is(err, ErrUnknownEmployee) {
				return fmt.Errorf("employee %s: %w", employeeID, err)
			}
			if err != nil {
				return &UpstreamError{Collaborator: "directory", Err: err}
			}
			attendance, err := r.adjustment(gctx, tenantID, employeeID, period)
			if err != nil {
				return err
			}
			line, err := Compute(profile, attendance, policy)
			if err != nil {
				return err
			}
			lines[i] = line
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *Resolver) adjustment(ctx context.Context, tenantID, employeeID string, period Period) (AttendanceAdjustment, error) {
	days, err := r.attendance.GetLossOfPayDays(ctx, tenantID, employeeID, period)
	if err != nil {
		return AttendanceAdjustment{}, &UpstreamError{Collaborator: "attendance", Err: err}
	}
	return AttendanceAdjustment{EmployeeID: employeeID, Period: period, DaysWithoutPay: days}, nil
}

func failedLine(profile CompensationProfile, period Period, err error) PayrollLine {
	return PayrollLine{
		EmployeeID:    profile.EmployeeID,
		EmployeeName:  profile.Name,
		EmployeeEmail: profile.Email,
		EmployeeType:  profile.EmployeeType,
		Period:        period,
		Basic:         profile.Basic,
		HRA:           profile.HRA,
		Allowances:    profile.Allowances,
		DaysInPeriod:  period.DaysInPeriod(),
		Selected:      false,
		Error:         err.Error(),
	}
}

// NormalizeSelection trims and de-duplicates ids, keeping first-seen order.
func NormalizeSelection(employeeIDs []string) []string {
	seen := make(map[string]struct{}, len(employeeIDs))
	out := make([]string, 0, len(employeeIDs))
	for _, id := range employeeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
