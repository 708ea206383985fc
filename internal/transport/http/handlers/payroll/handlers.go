package payrollhandler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"hrmpay/internal/domain/audit"
	"hrmpay/internal/domain/auth"
	"hrmpay/internal/domain/distribution"
	"hrmpay/internal/domain/payroll"
	"hrmpay/internal/domain/payslip"
	"hrmpay/internal/platform/jobs"
	"hrmpay/internal/requestctx"
	"hrmpay/internal/transport/http/api"
	"hrmpay/internal/transport/http/middleware"
	"hrmpay/internal/transport/http/shared"
)

type Registry interface {
	CommitRun(ctx context.Context, tenantID string, period payroll.Period, employeeIDs []string, actorID string) (payroll.PayrollRun, error)
	GetRun(ctx context.Context, tenantID string, period payroll.Period) (payroll.PayrollRun, bool, error)
	GetRunByID(ctx context.Context, tenantID, runID string) (payroll.PayrollRun, error)
	ListItems(ctx context.Context, tenantID, runID string) ([]payroll.PayrollRunItem, error)
	ListPayslips(ctx context.Context, tenantID string, period payroll.Period) ([]payroll.PayrollRunItem, error)
	GetPayslip(ctx context.Context, tenantID, payslipID string) (payroll.PayrollRunItem, error)
}

type Resolver interface {
	ResolvePeriod(ctx context.Context, tenantID string, period payroll.Period) ([]payroll.PayrollLine, error)
}

type Distributor interface {
	SendOne(ctx context.Context, tenantID, payslipID string) (distribution.DistributionOutcome, error)
	SendBatch(ctx context.Context, tenantID, runID string) (distribution.BatchOutcome, error)
	RetryFailed(ctx context.Context, tenantID, runID string) (distribution.BatchOutcome, error)
	Download(ctx context.Context, tenantID, payslipID string) (payslip.Document, payroll.PayrollRunItem, error)
}

type Exporter interface {
	RenderRunSummary(run payroll.PayrollRun, items []payroll.PayrollRunItem) (payslip.Document, error)
	RenderRegister(run payroll.PayrollRun, items []payroll.PayrollRunItem) (payslip.Document, error)
}

type EmployeeLookup interface {
	EmployeeIDForUser(ctx context.Context, tenantID, userID string) (string, error)
}

type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

type JobRunner interface {
	RunNow(ctx context.Context, jobType, tenantID string, run func(context.Context) (any, error)) (any, error)
}

type CommitRecorder interface {
	RecordCommit(conflict bool)
}

type Handler struct {
	Registry    Registry
	Resolver    Resolver
	Dispatcher  Distributor
	Exporter    Exporter
	Employees   EmployeeLookup
	Audit       Auditor
	Jobs        JobRunner
	Metrics     CommitRecorder
	Perms       middleware.PermissionStore
	Idempotency middleware.IdempotencyStore
}

type commitRunRequest struct {
	Month       int      `json:"month" validate:"required,min=1,max=12"`
	Year        int      `json:"year" validate:"required,min=1970,max=9999"`
	EmployeeIDs []string `json:"employeeIds" validate:"required,min=1,unique,dive,required"`
}

type sendAllRequest struct {
	Month int `json:"month" validate:"required,min=1,max=12"`
	Year  int `json:"year" validate:"required,min=1970,max=9999"`
}

type periodView struct {
	IsProcessed bool                  `json:"isProcessed"`
	RunDetails  *payroll.PayrollRun   `json:"runDetails"`
	Employees   []payroll.PayrollLine `json:"employees"`
}

type runItemsView struct {
	Run   payroll.PayrollRun       `json:"run"`
	Items []payroll.PayrollRunItem `json:"items"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	idempotent := middleware.Idempotent(h.Idempotency)
	r.Route("/payroll", func(r chi.Router) {
		r.With(middleware.RequirePermission(auth.PermPayrollRead, h.Perms)).Get("/period", h.handleViewPeriod)
		r.With(middleware.RequirePermission(auth.PermPayrollRun, h.Perms)).Post("/run", h.handleCommitRun)
		r.With(middleware.RequirePermission(auth.PermPayrollRead, h.Perms)).Get("/run/{runID}/items", h.handleListRunItems)
		r.With(middleware.RequirePermission(auth.PermPayrollRead, h.Perms)).Get("/run/{runID}/export", h.handleExportRun)
		r.With(middleware.RequirePermission(auth.PermPayslipDistribute, h.Perms), idempotent).Post("/run/{runID}/retry-failed", h.handleRetryFailed)
	})
	r.Route("/payslips", func(r chi.Router) {
		r.With(middleware.RequireAnyPermission(h.Perms, auth.PermPayslipRead, auth.PermPayslipSelf)).Get("/", h.handleListPayslips)
		r.With(middleware.RequireAnyPermission(h.Perms, auth.PermPayslipRead, auth.PermPayslipSelf)).Get("/{payslipID}/download", h.handleDownloadPayslip)
		r.With(middleware.RequirePermission(auth.PermPayslipDistribute, h.Perms), idempotent).Post("/{payslipID}/send", h.handleSendPayslip)
		r.With(middleware.RequirePermission(auth.PermPayslipDistribute, h.Perms), idempotent).Post("/send-all", h.handleSendAll)
	})
}

func (h *Handler) handleViewPeriod(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	period, ok := parsePeriodQuery(w, r)
	if !ok {
		return
	}

	run, found, err := h.Registry.GetRun(r.Context(), user.TenantID, period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if found {
		items, err := h.Registry.ListItems(r.Context(), user.TenantID, run.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		api.Success(w, periodView{IsProcessed: true, RunDetails: &run, Employees: linesFromItems(items)}, middleware.GetRequestID(r.Context()))
		return
	}

	lines, err := h.Resolver.ResolvePeriod(r.Context(), user.TenantID, period)
	if err != nil && !errors.Is(err, payroll.ErrNoEmployeesFound) {
		h.fail(w, r, err)
		return
	}
	if lines == nil {
		lines = []payroll.PayrollLine{}
	}
	lines = payroll.ApplySelection(lines, splitList(r.URL.Query().Get("deselected")))
	api.Success(w, periodView{Employees: lines}, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCommitRun(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload commitRunRequest
	if !shared.DecodeAndValidate(w, r, &payload) {
		return
	}
	period := payroll.Period{Month: payload.Month, Year: payload.Year}

	run, err := h.Registry.CommitRun(r.Context(), user.TenantID, period, payload.EmployeeIDs, user.UserID)
	var conflict *payroll.RunConflictError
	if errors.As(err, &conflict) {
		h.recordCommit(true)
		requestctx.Logger(r.Context()).Info("payroll run already processed", "period", period.String(), "runId", conflict.Existing.ID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.recordCommit(false)
	h.audit(r, user, audit.ActionPayrollRunCommit, audit.EntityPayrollRun, run.ID, run)
	api.Created(w, run, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListRunItems(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	runID := chi.URLParam(r, "runID")
	run, err := h.Registry.GetRunByID(r.Context(), user.TenantID, runID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.Registry.ListItems(r.Context(), user.TenantID, runID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, runItemsView{Run: run, Items: items}, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleExportRun(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "pdf"
	}
	v := shared.NewValidator()
	v.Enum("format", format, []string{"pdf", "xlsx"}, "must be pdf or xlsx")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}

	runID := chi.URLParam(r, "runID")
	run, err := h.Registry.GetRunByID(r.Context(), user.TenantID, runID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.Registry.ListItems(r.Context(), user.TenantID, runID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var doc payslip.Document
	if format == "xlsx" {
		doc, err = h.Exporter.RenderRegister(run, items)
	} else {
		doc, err = h.Exporter.RenderRunSummary(run, items)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Binary(w, doc.ContentType, doc.Filename, doc.Data)
}

func (h *Handler) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	runID := chi.URLParam(r, "runID")
	result, err := h.Jobs.RunNow(r.Context(), jobs.JobPayslipRetryFailed, user.TenantID, func(ctx context.Context) (any, error) {
		return h.Dispatcher.RetryFailed(ctx, user.TenantID, runID)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, user, audit.ActionPayslipRetryFailed, audit.EntityPayrollRun, runID, result)
	api.Success(w, result, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListPayslips(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	period, ok := parsePeriodQuery(w, r)
	if !ok {
		return
	}
	items, err := h.Registry.ListPayslips(r.Context(), user.TenantID, period)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	canReadAll, err := h.Perms.HasPermission(r.Context(), user, auth.PermPayslipRead)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", middleware.GetRequestID(r.Context()))
		return
	}
	if !canReadAll {
		employeeID, err := h.Employees.EmployeeIDForUser(r.Context(), user.TenantID, user.UserID)
		if err != nil && !errors.Is(err, payroll.ErrUnknownEmployee) {
			h.fail(w, r, err)
			return
		}
		own := make([]payroll.PayrollRunItem, 0, 1)
		for _, item := range items {
			if employeeID != "" && item.EmployeeID == employeeID {
				own = append(own, item)
			}
		}
		items = own
	}
	if items == nil {
		items = []payroll.PayrollRunItem{}
	}
	api.Success(w, items, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleDownloadPayslip(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	payslipID := chi.URLParam(r, "payslipID")

	item, err := h.Registry.GetPayslip(r.Context(), user.TenantID, payslipID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	canReadAll, err := h.Perms.HasPermission(r.Context(), user, auth.PermPayslipRead)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", middleware.GetRequestID(r.Context()))
		return
	}
	if !canReadAll {
		selfEmployeeID, err := h.Employees.EmployeeIDForUser(r.Context(), user.TenantID, user.UserID)
		if err != nil && !errors.Is(err, payroll.ErrUnknownEmployee) {
			requestctx.Logger(r.Context()).Warn("payslip download self employee lookup failed", "err", err)
		}
		if selfEmployeeID == "" || selfEmployeeID != item.EmployeeID {
			api.Fail(w, http.StatusForbidden, "forbidden", "not allowed", middleware.GetRequestID(r.Context()))
			return
		}
	}

	doc, _, err := h.Dispatcher.Download(r.Context(), user.TenantID, payslipID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Binary(w, doc.ContentType, doc.Filename, doc.Data)
}

func (h *Handler) handleSendPayslip(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	payslipID := chi.URLParam(r, "payslipID")
	outcome, err := h.Dispatcher.SendOne(r.Context(), user.TenantID, payslipID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, user, audit.ActionPayslipSend, audit.EntityPayslip, payslipID, outcome)
	if outcome.Attempt != payroll.DistributionSent {
		api.FailWithDetails(w, http.StatusBadGateway, "distribution_failed", "payslip could not be delivered", outcome, middleware.GetRequestID(r.Context()))
		return
	}
	api.Success(w, map[string]any{"message": "payslip sent", "outcome": outcome}, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleSendAll(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload sendAllRequest
	if !shared.DecodeAndValidate(w, r, &payload) {
		return
	}
	period := payroll.Period{Month: payload.Month, Year: payload.Year}

	run, found, err := h.Registry.GetRun(r.Context(), user.TenantID, period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		h.fail(w, r, payroll.ErrRunNotFound)
		return
	}

	result, err := h.Jobs.RunNow(r.Context(), jobs.JobPayslipSendAll, user.TenantID, func(ctx context.Context) (any, error) {
		return h.Dispatcher.SendBatch(ctx, user.TenantID, run.ID)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, user, audit.ActionPayslipSendAll, audit.EntityPayrollRun, run.ID, result)
	api.Success(w, result, middleware.GetRequestID(r.Context()))
}

// fail maps the payroll error taxonomy onto HTTP responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())
	logger := requestctx.Logger(r.Context())

	var conflict *payroll.RunConflictError
	switch {
	case errors.As(err, &conflict):
		api.FailWithDetails(w, http.StatusConflict, "run_already_processed", "payroll already processed for this period",
			map[string]any{"existingRun": conflict.Existing}, requestID)
	case errors.Is(err, payroll.ErrInvalidPeriod), errors.Is(err, payroll.ErrEmptySelection), errors.Is(err, payroll.ErrUnknownEmployee):
		shared.FailValidation(w, requestID, []shared.ValidationIssue{{Field: fieldFor(err), Reason: err.Error()}})
	case errors.Is(err, payroll.ErrRunNotFound):
		api.Fail(w, http.StatusNotFound, "not_found", "payroll run not found", requestID)
	case errors.Is(err, payroll.ErrPayslipNotFound):
		api.Fail(w, http.StatusNotFound, "not_found", "payslip not found", requestID)
	case errors.Is(err, distribution.ErrBatchInProgress):
		api.Fail(w, http.StatusConflict, "distribution_in_progress", err.Error(), requestID)
	case errors.Is(err, payroll.ErrUpstreamUnavailable):
		logger.Warn("upstream unavailable", "err", err)
		api.Fail(w, http.StatusServiceUnavailable, "upstream_unavailable", "a payroll collaborator is unavailable, retry later", requestID)
	case errors.Is(err, payroll.ErrNegativeNetSalary), errors.Is(err, payroll.ErrInvalidAttendance),
		errors.Is(err, payroll.ErrInvalidProfile), errors.Is(err, payroll.ErrInvalidPolicy), errors.Is(err, payroll.ErrTotalsMismatch):
		logger.Error("payroll computation failed", "err", err)
		api.Fail(w, http.StatusUnprocessableEntity, "computation_error", err.Error(), requestID)
	case errors.Is(err, payslip.ErrArtifactRender):
		logger.Error("artifact render failed", "err", err)
		api.Fail(w, http.StatusInternalServerError, "artifact_render_error", "document could not be rendered", requestID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		api.Fail(w, http.StatusServiceUnavailable, "request_cancelled", "request cancelled", requestID)
	default:
		logger.Error("payroll request failed", "err", err)
		api.Fail(w, http.StatusInternalServerError, "internal_error", "internal server error", requestID)
	}
}

func (h *Handler) recordCommit(conflict bool) {
	if h.Metrics != nil {
		h.Metrics.RecordCommit(conflict)
	}
}

func (h *Handler) audit(r *http.Request, user auth.UserContext, action, entityType, entityID string, after any) {
	if h.Audit == nil {
		return
	}
	entry := audit.Entry{
		TenantID:   user.TenantID,
		ActorID:    user.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		RequestID:  middleware.GetRequestID(r.Context()),
		IP:         middleware.ClientIP(r),
		After:      after,
	}
	if err := h.Audit.Record(context.WithoutCancel(r.Context()), entry); err != nil {
		requestctx.Logger(r.Context()).Warn("audit record failed", "action", action, "err", err)
	}
}

func parsePeriodQuery(w http.ResponseWriter, r *http.Request) (payroll.Period, bool) {
	v := shared.NewValidator()
	month := parseIntParam(v, r, "month")
	year := parseIntParam(v, r, "year")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return payroll.Period{}, false
	}
	period, err := payroll.NewPeriod(month, year)
	if err != nil {
		shared.FailValidation(w, middleware.GetRequestID(r.Context()), []shared.ValidationIssue{{Field: "period", Reason: err.Error()}})
		return payroll.Period{}, false
	}
	return period, true
}

func parseIntParam(v *shared.Validator, r *http.Request, name string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		v.Add(name, "is required")
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		v.Add(name, "must be a number")
	}
	return value
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return payroll.NormalizeSelection(strings.Split(raw, ","))
}

func fieldFor(err error) string {
	switch {
	case errors.Is(err, payroll.ErrInvalidPeriod):
		return "period"
	default:
		return "employeeIds"
	}
}

// linesFromItems shows a processed period with its frozen figures.
func linesFromItems(items []payroll.PayrollRunItem) []payroll.PayrollLine {
	lines := make([]payroll.PayrollLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, payroll.PayrollLine{
			EmployeeID:      item.EmployeeID,
			EmployeeName:    item.EmployeeName,
			EmployeeEmail:   item.EmployeeEmail,
			EmployeeType:    item.EmployeeType,
			Period:          item.Period,
			Basic:           item.Basic,
			HRA:             item.HRA,
			Allowances:      item.Allowances,
			LWPDays:         item.LWPDays,
			DaysInPeriod:    item.DaysInPeriod,
			LWPDeduction:    item.LWPDeduction,
			GrossSalary:     item.GrossSalary,
			PF:              item.PF,
			Tax:             item.Tax,
			TotalDeductions: item.TotalDeductions,
			NetSalary:       item.NetSalary,
			Selected:        true,
		})
	}
	return lines
}
