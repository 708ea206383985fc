package payslip

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"hrmpay/internal/domain/payroll"
)

const registerSheet = "Register"

var registerHeaders = []string{
	"Employee ID", "Name", "Email", "Type",
	"Basic", "HRA", "Allowances", "LWP Days", "LWP Deduction",
	"Gross", "PF", "Tax", "Total Deductions", "Net", "Distribution",
}

// RegisterRows is the tabular run register, header row first and a totals row last.
func RegisterRows(run payroll.PayrollRun, items []payroll.PayrollRunItem) [][]string {
	rows := make([][]string, 0, len(items)+2)
	rows = append(rows, registerHeaders)
	for _, item := range items {
		rows = append(rows, []string{
			item.EmployeeID,
			item.EmployeeName,
			item.EmployeeEmail,
			string(item.EmployeeType),
			money(item.Basic),
			money(item.HRA),
			money(item.Allowances),
			item.LWPDays.String(),
			money(item.LWPDeduction),
			money(item.GrossSalary),
			money(item.PF),
			money(item.Tax),
			money(item.TotalDeductions),
			money(item.NetSalary),
			string(item.DistributionStatus),
		})
	}
	totals := make([]string, len(registerHeaders))
	totals[0] = "TOTAL"
	totals[1] = fmt.Sprintf("%d employees", run.TotalEmployees)
	totals[9] = money(run.TotalGross)
	totals[12] = money(run.TotalDeductions)
	totals[13] = money(run.TotalNet)
	return append(rows, totals)
}

// RenderRegister renders the run register as an XLSX workbook.
func (m *Materializer) RenderRegister(run payroll.PayrollRun, items []payroll.PayrollRunItem) (Document, error) {
	if err := validateRun(run, items); err != nil {
		return Document{}, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", registerSheet); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrArtifactRender, err)
	}
	for r, row := range RegisterRows(run, items) {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return Document{}, fmt.Errorf("%w: %v", ErrArtifactRender, err)
			}
			if err := f.SetCellValue(registerSheet, cell, value); err != nil {
				return Document{}, fmt.Errorf("%w: %v", ErrArtifactRender, err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrArtifactRender, err)
	}
	return Document{
		Filename:    fmt.Sprintf("payroll-register-%s.xlsx", run.Period),
		ContentType: ContentTypeXLSX,
		Data:        buf.Bytes(),
		Metadata: map[string]string{
			"runId":  run.ID,
			"period": run.Period.String(),
		},
	}, nil
}
