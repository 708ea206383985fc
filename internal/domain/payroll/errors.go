package payroll

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPeriod       = errors.New("invalid payroll period")
	ErrEmptySelection      = errors.New("employee selection is empty")
	ErrRunAlreadyProcessed = errors.New("payroll run already processed for period")
	ErrRunNotFound         = errors.New("payroll run not found")
	ErrPayslipNotFound     = errors.New("payslip not found")
	ErrUpstreamUnavailable = errors.New("upstream collaborator unavailable")
	ErrNoEmployeesFound    = errors.New("no active employees found for period")
	ErrNegativeNetSalary   = errors.New("computed net salary is negative")
	ErrUnknownEmployee     = errors.New("employee not found in directory")
	ErrInvalidAttendance   = errors.New("invalid attendance adjustment")
	ErrInvalidProfile      = errors.New("invalid compensation profile")
	ErrInvalidPolicy       = errors.New("invalid deduction policy")
	ErrTotalsMismatch      = errors.New("run totals do not reconcile with line items")
)

// RunConflictError is returned by CommitRun when the period already has a run.
// Existing carries the persisted run so callers can show it instead of retrying.
type RunConflictError struct {
	Existing PayrollRun
}

func (e *RunConflictError) Error() string {
	return fmt.Sprintf("payroll run already processed for %s (run %s)", e.Existing.Period, e.Existing.ID)
}

func (e *RunConflictError) Unwrap() error {
	return ErrRunAlreadyProcessed
}

type ComputationError struct {
	EmployeeID string
	Err        error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("compute payroll for employee %s: %v", e.EmployeeID, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// UpstreamError marks a failure of the directory, attendance or notification
// collaborator. It matches both ErrUpstreamUnavailable and the cause.
type UpstreamError struct {
	Collaborator string
	Err          error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}
