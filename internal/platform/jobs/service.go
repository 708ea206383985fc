package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hrmpay/internal/domain/distribution"
	"hrmpay/internal/domain/payroll"
	"hrmpay/internal/platform/config"
)

const (
	JobPayslipSendAll     = "payslip_send_all"
	JobPayslipRetryFailed = "payslip_retry_failed"
)

const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// Retrier is the part of the dispatcher the scheduler drives.
type Retrier interface {
	RetryableRuns(ctx context.Context) ([]payroll.RunRef, error)
	RetryFailed(ctx context.Context, tenantID, runID string) (distribution.BatchOutcome, error)
}

// Recorder persists job executions.
type Recorder interface {
	Start(ctx context.Context, jobType, tenantID string) (string, error)
	Finish(ctx context.Context, id, status string, details []byte) error
}

type Service struct {
	Cfg      config.Config
	recorder Recorder
	retrier  Retrier
	queue    chan job
}

type job struct {
	Type     string
	TenantID string
	Run      func(context.Context) (any, error)
}

func New(db *pgxpool.Pool, cfg config.Config, retrier Retrier) *Service {
	return NewWithRecorder(&dbRecorder{db: db}, cfg, retrier)
}

func NewWithRecorder(recorder Recorder, cfg config.Config, retrier Retrier) *Service {
	return &Service{
		Cfg:      cfg,
		recorder: recorder,
		retrier:  retrier,
		queue:    make(chan job, 128),
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
	if s.Cfg.DistributionRetryInterval > 0 && s.retrier != nil {
		go s.scheduleRetries(ctx, s.Cfg.DistributionRetryInterval)
	}
}

func (s *Service) Enqueue(jobType, tenantID string, run func(context.Context) (any, error)) bool {
	select {
	case s.queue <- job{Type: jobType, TenantID: tenantID, Run: run}:
		return true
	default:
		slog.Warn("job queue full", "jobType", jobType, "tenantId", tenantID)
		return false
	}
}

// RunNow executes the job inline and records it like a queued one.
func (s *Service) RunNow(ctx context.Context, jobType, tenantID string, run func(context.Context) (any, error)) (any, error) {
	return s.runJob(ctx, job{Type: jobType, TenantID: tenantID, Run: run})
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if _, err := s.runJob(ctx, j); err != nil {
				slog.Warn("job run failed", "jobType", j.Type, "tenantId", j.TenantID, "err", err)
			}
		}
	}
}

func (s *Service) runJob(ctx context.Context, j job) (any, error) {
	runID, err := s.recorder.Start(ctx, j.Type, j.TenantID)
	if err != nil {
		slog.Warn("job run insert failed", "jobType", j.Type, "err", err)
	}

	details, err := j.Run(ctx)
	status := statusCompleted
	if err != nil {
		status = statusFailed
	}
	detailsJSON, marshalErr := json.Marshal(details)
	if marshalErr != nil {
		slog.Warn("job details marshal failed", "err", marshalErr)
		detailsJSON = []byte("{}")
	}
	if runID != "" {
		if updErr := s.recorder.Finish(context.WithoutCancel(ctx), runID, status, detailsJSON); updErr != nil {
			slog.Warn("job run update failed", "err", updErr)
		}
	}
	return details, err
}

func (s *Service) scheduleRetries(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueRetries(ctx)
		}
	}
}

func (s *Service) enqueueRetries(ctx context.Context) {
	runs, err := s.retrier.RetryableRuns(ctx)
	if err != nil {
		slog.Warn("retry scheduler run lookup failed", "err", err)
		return
	}
	for _, ref := range runs {
		ref := ref
		s.Enqueue(JobPayslipRetryFailed, ref.TenantID, func(ctx context.Context) (any, error) {
			return s.retrier.RetryFailed(ctx, ref.TenantID, ref.RunID)
		})
	}
}

type dbRecorder struct {
	db *pgxpool.Pool
}

func (r *dbRecorder) Start(ctx context.Context, jobType, tenantID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `
    INSERT INTO job_runs (tenant_id, job_type, status)
    VALUES ($1,$2,$3)
    RETURNING id::text
  `, tenantID, jobType, statusRunning).Scan(&id)
	return id, err
}

func (r *dbRecorder) Finish(ctx context.Context, id, status string, details []byte) error {
	_, err := r.db.Exec(ctx, `
    UPDATE job_runs
    SET status = $1, details_json = $2, completed_at = now()
    WHERE id::text = $3
  `, status, details, id)
	return err
}
