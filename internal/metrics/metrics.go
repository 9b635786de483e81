// ============================================================================
// Lease-Recovery Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露租約、提交邊界與恢復流程的運行指標
//
// 指標分類:
//
//   1. 租約計數器 (Counter):
//      - lease_jobs_submitted_total: 提交任務總數
//      - lease_leases_granted_total: 授予租約總數（含重試）
//      - lease_leases_contended_total: 輪詢時沒有可租任務的次數
//      - lease_sessions_total{outcome}: WorkerSession 結束方式
//
//   2. 提交邊界計數器 (Counter):
//      - lease_effects_applied_total: 成功跨越提交邊界次數
//      - lease_duplicate_commits_rejected_total: 冪等檢查擋下的重複提交
//      - lease_duplicate_effects_total: 未啟用冪等檢查時追加的重複效果
//
//   3. 恢復指標:
//      - lease_reconcile_finalized_total / aborted_total / reopened_total
//      - lease_recovery_time_seconds: 最近一次啟動恢復耗時
//
//   4. 狀態指標 (Gauge):
//      - lease_jobs{state}: 各狀態任務數
//      - lease_executions{status}: 各狀態執行紀錄數
//
// Prometheus 查詢示例:
//
//   # 重複效果（INV_001 被繞過）
//   increase(lease_duplicate_effects_total[5m]) > 0
//
//   # 重試比例
//   rate(lease_leases_granted_total[5m]) / rate(lease_jobs_submitted_total[5m])
//
// 所有 Record 方法在 nil *Collector 上是 no-op，
// 核心元件不需要為「不收集指標」另外分支。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	// 租約相關指標
	jobsSubmitted   prometheus.Counter
	leasesGranted   prometheus.Counter
	leasesContended prometheus.Counter
	sessions        *prometheus.CounterVec

	// 提交邊界
	effectsApplied    prometheus.Counter
	duplicateRejected prometheus.Counter
	duplicateEffects  prometheus.Counter

	// 恢復
	finalized    prometheus.Counter
	aborted      prometheus.Counter
	reopened     prometheus.Counter
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobs       *prometheus.GaugeVec
	executions *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用新的獨立 Registry，避免測試之間重複註冊。
func NewCollector(reg prometheus.Registerer) *Collector {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		registry: reg,
		gatherer: gatherer,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		leasesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_leases_granted_total",
			Help: "Total number of leases granted, retries included",
		}),
		leasesContended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_leases_contended_total",
			Help: "Total number of lease polls that found no eligible job",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lease_sessions_total",
			Help: "Worker sessions by the step they stopped at",
		}, []string{"outcome"}),
		effectsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_effects_applied_total",
			Help: "Total number of effect log entries appended",
		}),
		duplicateRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_duplicate_commits_rejected_total",
			Help: "Commits rejected by the idempotent commit boundary",
		}),
		duplicateEffects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_duplicate_effects_total",
			Help: "Duplicate effects appended while idempotency enforcement was off",
		}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_reconcile_finalized_total",
			Help: "Committed executions finalized by the reconciler",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_reconcile_aborted_total",
			Help: "Stale executions aborted by the reconciler",
		}),
		reopened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_reconcile_reopened_total",
			Help: "Jobs reopened to PENDING by the reconciler",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lease_recovery_time_seconds",
			Help: "Time taken by the last start-up recovery in seconds",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lease_jobs",
			Help: "Current number of jobs per state",
		}, []string{"state"}),
		executions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lease_executions",
			Help: "Current number of executions per status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.leasesGranted,
		c.leasesContended,
		c.sessions,
		c.effectsApplied,
		c.duplicateRejected,
		c.duplicateEffects,
		c.finalized,
		c.aborted,
		c.reopened,
		c.recoveryTime,
		c.jobs,
		c.executions,
	)

	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordLease 記錄一次租約輪詢結果
func (c *Collector) RecordLease(granted bool) {
	if c == nil {
		return
	}
	if granted {
		c.leasesGranted.Inc()
		return
	}
	c.leasesContended.Inc()
}

// RecordSession 記錄 WorkerSession 的結束方式
func (c *Collector) RecordSession(outcome string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(outcome).Inc()
}

// RecordEffect 記錄一次 ApplyEffect 的結果
//
//	committed=false             → 重複提交被擋下
//	committed=true, duplicate   → 未啟用冪等檢查的重複效果
func (c *Collector) RecordEffect(committed, duplicate bool) {
	if c == nil {
		return
	}
	if !committed {
		c.duplicateRejected.Inc()
		return
	}
	c.effectsApplied.Inc()
	if duplicate {
		c.duplicateEffects.Inc()
	}
}

// RecordReconcile 記錄一次 Reconcile 的結果
func (c *Collector) RecordReconcile(finalized, aborted, reopened int) {
	if c == nil {
		return
	}
	c.finalized.Add(float64(finalized))
	c.aborted.Add(float64(aborted))
	c.reopened.Add(float64(reopened))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateLedgerStats 更新各狀態數量
func (c *Collector) UpdateLedgerStats(jobs map[types.JobState]int, execs map[types.ExecStatus]int) {
	if c == nil {
		return
	}
	for _, s := range []types.JobState{types.JobPending, types.JobRunning, types.JobSucceeded} {
		c.jobs.WithLabelValues(string(s)).Set(float64(jobs[s]))
	}
	for _, s := range []types.ExecStatus{types.ExecLeased, types.ExecInProgress, types.ExecCommitted, types.ExecDone, types.ExecAborted} {
		c.executions.WithLabelValues(string(s)).Set(float64(execs[s]))
	}
}

// Gatherer 回傳收集器所在的 Gatherer
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（尚未啟動）
//
// 參數：
//   - port: HTTP 伺服器端口
func (c *Collector) NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
