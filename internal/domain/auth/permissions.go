package auth

const (
	PermPayrollRead       = "payroll.read"
	PermPayrollRun        = "payroll.run"
	PermPayslipRead       = "payslip.read"
	PermPayslipDistribute = "payslip.distribute"
	PermPayslipSelf       = "payslip.self"
	PermSystemMetrics     = "system.metrics"
	PermAuditRead         = "audit.read"
)

var DefaultPermissions = []string{
	PermPayrollRead,
	PermPayrollRun,
	PermPayslipRead,
	PermPayslipDistribute,
	PermPayslipSelf,
	PermSystemMetrics,
	PermAuditRead,
}

// RolePermissions is the built-in grant table, used when no policy file is configured.
var RolePermissions = map[string][]string{
	RoleEmployee: {
		PermPayslipSelf,
	},
	RoleManager: {
		PermPayslipSelf,
		PermPayrollRead,
	},
	RoleHR: {
		PermPayslipSelf,
		PermPayrollRead,
		PermPayrollRun,
		PermPayslipRead,
		PermPayslipDistribute,
		PermAuditRead,
	},
	RoleSystemAdmin: {
		PermSystemMetrics,
		PermAuditRead,
	},
}
