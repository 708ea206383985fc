package metrics

import (
	"sync/atomic"
	"time"

	"hrmpay/internal/domain/payroll"
)

type Collector struct {
	totalRequests   uint64
	errorRequests   uint64
	rateLimited     uint64
	totalDurationMs uint64

	runsCommitted   uint64
	commitConflicts uint64
	payslipsSent    uint64
	payslipsFailed  uint64
}

func New() *Collector {
	return &Collector{}
}

func (c *Collector) Record(status int, duration time.Duration) {
	atomic.AddUint64(&c.totalRequests, 1)
	if status >= 500 {
		atomic.AddUint64(&c.errorRequests, 1)
	}
	if status == 429 {
		atomic.AddUint64(&c.rateLimited, 1)
	}
	atomic.AddUint64(&c.totalDurationMs, uint64(duration.Milliseconds()))
}

func (c *Collector) RecordCommit(conflict bool) {
	if conflict {
		atomic.AddUint64(&c.commitConflicts, 1)
		return
	}
	atomic.AddUint64(&c.runsCommitted, 1)
}

func (c *Collector) RecordDistribution(status payroll.DistributionStatus) {
	switch status {
	case payroll.DistributionSent:
		atomic.AddUint64(&c.payslipsSent, 1)
	case payroll.DistributionFailed:
		atomic.AddUint64(&c.payslipsFailed, 1)
	}
}

func (c *Collector) Snapshot() map[string]any {
	total := atomic.LoadUint64(&c.totalRequests)
	totalMs := atomic.LoadUint64(&c.totalDurationMs)
	avg := float64(0)
	if total > 0 {
		avg = float64(totalMs) / float64(total)
	}
	return map[string]any{
		"requestsTotal":        total,
		"errorsTotal":          atomic.LoadUint64(&c.errorRequests),
		"rateLimitedTotal":     atomic.LoadUint64(&c.rateLimited),
		"avgDurationMs":        avg,
		"totalDurationMs":      totalMs,
		"payrollRunsCommitted": atomic.LoadUint64(&c.runsCommitted),
		"payrollConflicts":     atomic.LoadUint64(&c.commitConflicts),
		"payslipsSent":         atomic.LoadUint64(&c.payslipsSent),
		"payslipsFailed":       atomic.LoadUint64(&c.payslipsFailed),
	}
}
