package payslip

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"hrmpay/internal/domain/payroll"
)

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var ErrArtifactRender = errors.New("artifact render failed")

// Document is a rendered artifact ready for download or dispatch.
type Document struct {
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	Data        []byte            `json:"-"`
	Metadata    map[string]string `json:"metadata"`
}

type Row struct {
	Label string
	Value string
}

type Section struct {
	Title string
	Rows  []Row
}

// Materializer formats persisted payroll rows. It never recomputes figures.
type Materializer struct {
	Organization string
}

func NewMaterializer(organization string) *Materializer {
	return &Materializer{Organization: organization}
}

// RenderArtifact renders the payslip of one employee as a PDF.
func (m *Materializer) RenderArtifact(item payroll.PayrollRunItem) (Document, error) {
	if err := validateItem(item); err != nil {
		return Document{}, err
	}
	sections := ArtifactSections(item)

	pdf := newPDF(item.CreatedAt)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Payslip")
	pdf.Ln(10)
	if m.Organization != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 6, m.Organization)
		pdf.Ln(8)
	}
	writeSections(pdf, sections)

	data, err := output(pdf)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Filename:    fmt.Sprintf("payslip-%s-%s.pdf", item.Period, safeName(item.EmployeeID)),
		ContentType: ContentTypePDF,
		Data:        data,
		Metadata: map[string]string{
			"payslipId":  item.ID,
			"runId":      item.RunID,
			"employeeId": item.EmployeeID,
			"period":     item.Period.String(),
			"netSalary":  item.NetSalary.StringFixed(2),
			"currency":   item.Currency,
		},
	}, nil
}

// RenderRunSummary renders the run totals followed by one line per payslip.
func (m *Materializer) RenderRunSummary(run payroll.PayrollRun, items []payroll.PayrollRunItem) (Document, error) {
	if err := validateRun(run, items); err != nil {
		return Document{}, err
	}

	pdf := newPDF(run.CreatedAt)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Payroll Run Summary")
	pdf.Ln(10)
	if m.Organization != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 6, m.Organization)
		pdf.Ln(8)
	}
	writeSections(pdf, []Section{{Title: "Run", Rows: RunSummaryRows(run)}})

	headers := []string{"Employee", "Gross", "Deductions", "Net", "Status"}
	widths := []float64{70, 30, 30, 30, 30}
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 10)
	for _, item := range items {
		values := []string{
			fmt.Sprintf("%s (%s)", item.EmployeeName, item.EmployeeID),
			money(item.GrossSalary),
			money(item.TotalDeductions),
			money(item.NetSalary),
			string(item.DistributionStatus),
		}
		for i, v := range values {
			align := "R"
			if i == 0 || i == len(values)-1 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 6, v, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	data, err := output(pdf)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Filename:    fmt.Sprintf("payroll-run-%s.pdf", run.Period),
		ContentType: ContentTypePDF,
		Data:        data,
		Metadata: map[string]string{
			"runId":          run.ID,
			"period":         run.Period.String(),
			"totalEmployees": strconv.Itoa(run.TotalEmployees),
			"totalNet":       run.TotalNet.StringFixed(2),
			"currency":       run.Currency,
		},
	}, nil
}

// ArtifactSections is the fixed payslip layout.
func ArtifactSections(item payroll.PayrollRunItem) []Section {
	return []Section{
		{Title: "Employee", Rows: []Row{
			{"Name", item.EmployeeName},
			{"Employee ID", item.EmployeeID},
			{"Email", item.EmployeeEmail},
			{"Type", string(item.EmployeeType)},
			{"Period", fmt.Sprintf("%s to %s", item.Period.Start().Format("2006-01-02"), item.Period.End().Format("2006-01-02"))},
		}},
		{Title: "Earnings", Rows: []Row{
			{"Basic", money(item.Basic)},
			{"HRA", money(item.HRA)},
			{"Allowances", money(item.Allowances)},
			{fmt.Sprintf("Loss of pay (%s of %d days)", item.LWPDays.String(), item.DaysInPeriod), "-" + money(item.LWPDeduction)},
			{"Gross salary", money(item.GrossSalary)},
		}},
		{Title: "Deductions", Rows: []Row{
			{"Provident fund", money(item.PF)},
			{"Tax", money(item.Tax)},
			{"Total deductions", money(item.TotalDeductions)},
		}},
		{Title: "Net", Rows: []Row{
			{"Net salary", money(item.NetSalary) + " " + item.Currency},
		}},
	}
}

func RunSummaryRows(run payroll.PayrollRun) []Row {
	return []Row{
		{"Run ID", run.ID},
		{"Period", run.Period.String()},
		{"Status", string(run.Status)},
		{"Employees", strconv.Itoa(run.TotalEmployees)},
		{"Total gross", money(run.TotalGross) + " " + run.Currency},
		{"Total deductions", money(run.TotalDeductions) + " " + run.Currency},
		{"Total net", money(run.TotalNet) + " " + run.Currency},
		{"Processed at", run.CreatedAt.UTC().Format(time.RFC3339)},
	}
}

func validateItem(item payroll.PayrollRunItem) error {
	switch {
	case strings.TrimSpace(item.ID) == "", strings.TrimSpace(item.EmployeeID) == "":
		return fmt.Errorf("%w: payslip identity missing", ErrArtifactRender)
	case item.Period.Validate() != nil:
		return fmt.Errorf("%w: payslip %s has invalid period", ErrArtifactRender, item.ID)
	case !item.GrossSalary.Sub(item.TotalDeductions).Equal(item.NetSalary):
		return fmt.Errorf("%w: payslip %s does not balance", ErrArtifactRender, item.ID)
	case item.NetSalary.IsNegative():
		return fmt.Errorf("%w: payslip %s has negative net", ErrArtifactRender, item.ID)
	}
	return nil
}

func validateRun(run payroll.PayrollRun, items []payroll.PayrollRunItem) error {
	if strings.TrimSpace(run.ID) == "" || run.Period.Validate() != nil {
		return fmt.Errorf("%w: run identity missing", ErrArtifactRender)
	}
	if err := payroll.VerifyTotals(run, items); err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactRender, err)
	}
	return nil
}

func newPDF(created time.Time) *gofpdf.Fpdf {
	pdf := gofpdf.New("P", "mm", "A4", "")
	// Same row, same bytes.
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(created.UTC())
	pdf.AddPage()
	return pdf
}

func writeSections(pdf *gofpdf.Fpdf, sections []Section) {
	for _, section := range sections {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Cell(0, 8, section.Title)
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 11)
		for _, row := range section.Rows {
			pdf.Cell(80, 7, row.Label)
			pdf.CellFormat(0, 7, row.Value, "", 0, "R", false, 0, "")
			pdf.Ln(7)
		}
		pdf.Ln(3)
	}
}

func output(pdf *gofpdf.Fpdf) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactRender, err)
	}
	return buf.Bytes(), nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func safeName(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, value)
}
