package payroll

const (
	RunStatusProcessed RunStatus = "PROCESSED"

	DistributionNotSent DistributionStatus = "NOT_SENT"
	DistributionSent    DistributionStatus = "SENT"
	DistributionFailed  DistributionStatus = "FAILED"

	EmployeeTypeFullTime EmployeeType = "FULL_TIME"
	EmployeeTypePartTime EmployeeType = "PART_TIME"
	EmployeeTypeContract EmployeeType = "CONTRACT"
	EmployeeTypeIntern   EmployeeType = "INTERN"

	DefaultCurrency = "INR"

	// Reporting currency minor unit.
	moneyPlaces = 2
)

var EmployeeTypes = []EmployeeType{
	EmployeeTypeFullTime,
	EmployeeTypePartTime,
	EmployeeTypeContract,
	EmployeeTypeIntern,
}
