// ============================================================================
// Lease-Recovery 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 Ledger、WAL、快照、Broker、Worker Pool 與 Reconciler，
//       負責啟動時的崩潰恢復與執行期的背景循環
//
// 架構設計:
//   - Ledger: 唯一的狀態來源，所有變更先寫 WAL（journal）再套用
//   - WAL: Write-Ahead Log，Ledger 的 journal
//   - Snapshot: 定期保存 Ledger 狀態，縮短重放時間
//   - Broker: FIFO 租約分派，作為 Worker Pool 的 LeaseSource
//   - WorkerPool: 以 Session 驅動每個租約走完提交流程
//   - Reconciler: 收尾已提交的執行紀錄、中止過期租約
//
// 核心循環 (4 個並發 Goroutine):
//   1. Clock Loop - 依設定推進虛擬時鐘
//   2. Result Loop - 接收 worker 結果，記錄日誌與指標
//   3. Snapshot Loop - 定期 Checkpoint（快照 + 旋轉 WAL）
//   4. Reconcile Loop - 定期恢復掃描
//
// 崩潰恢復流程:
//   1. Load() - 載入快照 → 從 LastSeq 之後重放 WAL → 推進時鐘到最後事件
//   2. 若上次未正常關閉（有重放事件，或快照標記未乾淨關閉），執行 Reconcile(now)
//   3. CheckInvariants() 失敗時以 error 等級記錄
//
// 關閉流程:
//   停止循環與 Pool → 最後一次 Checkpoint（CleanShutdown）→ 關閉 WAL
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/lease-recovery/internal/broker"
	"github.com/ChuLiYu/lease-recovery/internal/clock"
	"github.com/ChuLiYu/lease-recovery/internal/config"
	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/internal/policy"
	"github.com/ChuLiYu/lease-recovery/internal/reconcile"
	"github.com/ChuLiYu/lease-recovery/internal/snapshot"
	"github.com/ChuLiYu/lease-recovery/internal/storage/wal"
	"github.com/ChuLiYu/lease-recovery/internal/worker"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotLoaded      = errors.New("controller state not loaded")
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount   int           // Worker 數量
	LeaseDuration time.Duration // 租約長度（虛擬時間）
	Fencing       bool          // 拒絕過期且非最新租約的提交
	RetryBudget   int           // 每個任務最多嘗試次數（<=0 不限）
	Faults        types.Faults  // Session 故障開關

	PollRate         float64
	PollBurst        int
	BreakerThreshold int
	BreakerCooldown  time.Duration

	ClockTick         time.Duration // 每次推進的虛擬時間（0 停用時鐘循環）
	ClockTickInterval time.Duration // 推進頻率（真實時間）

	SnapshotInterval  time.Duration // 快照間隔（0 停用）
	SnapshotRetention int           // 保留的快照備份數
	ReconcileInterval time.Duration // 定期掃描間隔（0 停用）

	WALPath            string
	SnapshotPath       string
	WALBufferSize      int
	WALFlushInterval   time.Duration
	WALSyncOnAppend    bool
	WALCompressRotated bool

	Handler worker.Handler // 可選，在提交前執行的業務邏輯
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// FromConfig 將檔案設定轉成 Controller 設定
func FromConfig(cfg *config.Config) Config {
	return Config{
		WorkerCount:        cfg.Worker.WorkerCount,
		LeaseDuration:      cfg.Ledger.LeaseDuration,
		Fencing:            cfg.Ledger.Fencing,
		RetryBudget:        cfg.Ledger.RetryBudget,
		Faults:             cfg.SessionFaults(),
		PollRate:           cfg.Worker.PollRate,
		PollBurst:          cfg.Worker.PollBurst,
		BreakerThreshold:   cfg.Worker.BreakerThreshold,
		BreakerCooldown:    cfg.Worker.BreakerCooldown,
		ClockTick:          cfg.Clock.Tick,
		ClockTickInterval:  cfg.Clock.TickInterval,
		SnapshotInterval:   cfg.SnapshotInterval(),
		SnapshotRetention:  cfg.Snapshot.RetentionCount,
		ReconcileInterval:  cfg.ReconcileInterval(),
		WALPath:            cfg.WAL.Path,
		SnapshotPath:       cfg.Snapshot.Path,
		WALBufferSize:      cfg.WAL.BufferSize,
		WALFlushInterval:   cfg.FlushInterval(),
		WALSyncOnAppend:    cfg.WAL.SyncOnAppend,
		WALCompressRotated: cfg.WAL.CompressRotated,
	}
}

// RecoveryReport 啟動恢復的結果
type RecoveryReport struct {
	SnapshotLoaded bool
	SnapshotSeq    uint64 // 快照涵蓋的最後序號
	Replayed       int    // 快照之後重放的事件數
	Unclean        bool   // 上次是否未正常關閉
	Clock          types.VirtualTime
	Reconcile      reconcile.Result
	Duration       time.Duration
}

// Status 系統狀態摘要
type Status struct {
	RunID    string
	NodeID   string
	Started  bool
	Uptime   time.Duration
	Clock    types.VirtualTime
	LastSeq  uint64
	Stats    ledger.Stats
	Recovery RecoveryReport
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	runID      string
	config     Config
	clock      *clock.Virtual
	ledger     *ledger.Ledger
	broker     *broker.Broker
	reconciler *reconcile.Reconciler
	wal        *wal.WAL
	snapshot   *snapshot.Manager
	pool       *worker.Pool
	metrics    *metrics.Collector
	log        *slog.Logger

	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	loaded    bool
	unclean   bool // 已載入但尚未 Reconcile 的未乾淨狀態
	started   bool
	stopped   bool
	startTime time.Time
	recovery  RecoveryReport
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller 並開啟 WAL，不載入任何狀態
func NewController(config Config) (*Controller, error) {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	logger = logger.With("runID", runID)

	if dir := filepath.Dir(config.WALPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create WAL dir: %w", err)
		}
	}

	walOpts := []wal.Option{
		wal.WithCompressRotated(config.WALCompressRotated),
		wal.WithLogger(logger),
	}
	if config.WALBufferSize > 0 {
		walOpts = append(walOpts, wal.WithBufferSize(config.WALBufferSize))
	}
	if config.WALFlushInterval > 0 {
		walOpts = append(walOpts, wal.WithFlushInterval(config.WALFlushInterval))
	}
	walInstance, err := wal.NewWAL(config.WALPath, config.WALSyncOnAppend, walOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	clk := clock.New(0)
	l := ledger.New(clk,
		ledger.WithJournal(walInstance),
		ledger.WithFencing(config.Fencing),
		ledger.WithMetrics(config.Metrics),
		ledger.WithLogger(logger),
	)

	b, err := broker.New(l, config.LeaseDuration,
		broker.WithRetryBudget(policy.RetryBudget{MaxAttempts: config.RetryBudget}),
		broker.WithMetrics(config.Metrics),
		broker.WithLogger(logger),
	)
	if err != nil {
		walInstance.Close()
		return nil, err
	}

	pool := worker.NewPool(worker.PoolConfig{
		PollRate:         config.PollRate,
		PollBurst:        config.PollBurst,
		BreakerThreshold: config.BreakerThreshold,
		BreakerCooldown:  config.BreakerCooldown,
		Faults:           config.Faults,
		Tracer:           config.Tracer,
		Metrics:          config.Metrics,
		Logger:           logger,
	}, b, l, config.Handler)

	return &Controller{
		runID:  runID,
		config: config,
		clock:  clk,
		ledger: l,
		broker: b,
		reconciler: reconcile.New(l,
			reconcile.WithTracer(config.Tracer),
			reconcile.WithMetrics(config.Metrics),
			reconcile.WithLogger(logger),
		),
		wal:      walInstance,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		pool:     pool,
		metrics:  config.Metrics,
		log:      logger,
	}, nil
}

// Load 載入快照並重放 WAL，不執行 Reconcile
//
// 重放使用 Ledger.Apply，不會再次寫入 journal。
func (c *Controller) Load() (RecoveryReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Controller) loadLocked() (RecoveryReport, error) {
	if c.stopped {
		return RecoveryReport{}, ErrStopped
	}
	if c.loaded {
		return c.recovery, nil
	}
	start := time.Now()
	report := RecoveryReport{}

	// 1. 快照
	exists := c.snapshot.Exists()
	data, err := c.snapshot.Load()
	if err != nil {
		return report, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if exists {
		if err := c.ledger.Restore(data); err != nil {
			return report, fmt.Errorf("failed to restore state: %w", err)
		}
		c.clock.Set(data.Clock)
		c.wal.SetBaseSeq(data.LastSeq)
		report.SnapshotLoaded = true
		report.SnapshotSeq = data.LastSeq
	}

	// 2. 重放快照之後的事件
	var latest types.VirtualTime
	err = c.wal.ReplayFrom(data.LastSeq, func(event wal.Event) error {
		if err := c.ledger.Apply(event); err != nil {
			return fmt.Errorf("seq %d: %w", event.Seq, err)
		}
		if event.At > latest {
			latest = event.At
		}
		report.Replayed++
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to replay WAL: %w", err)
	}
	c.clock.Set(latest)

	report.Unclean = report.Replayed > 0 || (exists && !data.CleanShutdown)
	report.Clock = c.clock.Now()
	report.Duration = time.Since(start)

	c.loaded = true
	c.unclean = report.Unclean
	c.recovery = report

	c.log.Info("State loaded",
		"snapshot", report.SnapshotLoaded,
		"snapshotSeq", report.SnapshotSeq,
		"replayed", report.Replayed,
		"unclean", report.Unclean,
		"clock", report.Clock,
		"duration", report.Duration)
	return report, nil
}

// Recover 載入狀態；上次未正常關閉時執行 Reconcile(now)
func (c *Controller) Recover(ctx context.Context) (RecoveryReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoverLocked(ctx)
}

func (c *Controller) recoverLocked(ctx context.Context) (RecoveryReport, error) {
	start := time.Now()
	report, err := c.loadLocked()
	if err != nil {
		return report, err
	}

	if c.unclean {
		res, err := c.reconciler.Reconcile(ctx, c.clock.Now())
		if err != nil {
			return report, fmt.Errorf("failed to reconcile: %w", err)
		}
		c.unclean = false
		report.Reconcile = res
		report.Duration = time.Since(start)
		c.recovery = report
		c.metrics.SetRecoveryTime(report.Duration)

		c.log.Info("Recovery completed",
			"duration", report.Duration,
			"finalized", len(res.Finalized),
			"aborted", len(res.Aborted),
			"reopened", len(res.Reopened))
	}

	c.checkInvariants()
	return report, nil
}

// ReconcileNow 立即執行一次恢復掃描
func (c *Controller) ReconcileNow(ctx context.Context) (reconcile.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return reconcile.Result{}, ErrNotLoaded
	}
	res, err := c.reconciler.Reconcile(ctx, c.clock.Now())
	if err != nil {
		return res, err
	}
	c.unclean = false
	return res, nil
}

// Start 啟動 Controller
//
//  1. 恢復階段：Recover
//  2. 啟動階段：Worker Pool 與背景循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	if _, err := c.recoverLocked(ctx); err != nil {
		return err
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.loopWg.Add(1)
	go c.resultLoop()

	if c.config.ClockTick > 0 && c.config.ClockTickInterval > 0 {
		c.loopWg.Add(1)
		go c.clockLoop(loopCtx)
	}
	if c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop(loopCtx)
	}
	if c.config.ReconcileInterval > 0 {
		c.loopWg.Add(1)
		go func() {
			defer c.loopWg.Done()
			c.reconciler.Run(loopCtx, c.config.ReconcileInterval, c.clock)
		}()
	}

	c.started = true
	c.log.Info("Controller started",
		"workers", c.config.WorkerCount,
		"nodeID", c.pool.NodeID(),
		"leaseDuration", c.config.LeaseDuration)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// clockLoop 以真實時間驅動虛擬時鐘
func (c *Controller) clockLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ClockTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.clock.Advance(c.config.ClockTick); err != nil {
				c.log.Error("Failed to advance clock", "error", err)
			}
		}
	}
}

// resultLoop 處理 Worker 執行結果，Pool 關閉時結束
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				c.log.Debug("Result loop stopped")
				return
			}
			c.log.Error("Failed to receive result", "error", err)
			continue
		}
		c.handleResult(result)
	}
}

func (c *Controller) handleResult(result worker.Result) {
	lease := result.Lease
	switch {
	case result.Err != nil:
		c.log.Warn("Execution failed",
			"jobID", lease.JobID,
			"execID", lease.ExecID,
			"workerID", lease.WorkerID,
			"outcome", result.Outcome,
			"error", result.Err)
	case result.Outcome == worker.OutcomeCrashedBeforeCommit || result.Outcome == worker.OutcomeCrashedAfterCommit:
		c.log.Warn("Worker crashed, execution left for reconcile",
			"jobID", lease.JobID,
			"execID", lease.ExecID,
			"outcome", result.Outcome)
	default:
		c.log.Debug("Execution finished",
			"jobID", lease.JobID,
			"execID", lease.ExecID,
			"attempt", lease.Attempt,
			"outcome", result.Outcome,
			"duration", result.Duration)
	}

	stats := c.ledger.Stats()
	c.metrics.UpdateLedgerStats(stats.Jobs, stats.Executions)
}

// snapshotLoop 定期 Checkpoint
func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// Checkpoint 寫入快照並旋轉 WAL（非乾淨關閉標記）
func (c *Controller) Checkpoint() error {
	return c.checkpoint(false)
}

// checkpoint 在 Ledger 寫鎖內完成快照與旋轉，期間沒有新事件寫入 WAL
func (c *Controller) checkpoint(clean bool) error {
	start := time.Now()
	var jobs int

	err := c.ledger.Checkpoint(func(data types.SnapshotData) error {
		data.LastSeq = c.wal.GetLastSeq()
		data.Clock = c.clock.Now()
		data.CleanShutdown = clean
		jobs = len(data.Jobs)

		if err := c.wal.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL: %w", err)
		}
		if err := c.snapshot.WriteWithBackup(data, c.config.SnapshotRetention); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if err := c.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
		if _, err := wal.PruneRotated(c.wal.Path(), c.config.SnapshotRetention); err != nil {
			c.log.Warn("Failed to prune rotated WAL", "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info("Snapshot taken",
		"duration", time.Since(start),
		"jobs", jobs,
		"clean", clean)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 提交任務
func (c *Controller) Submit(payload types.Payload) (types.JobID, error) {
	if err := c.requireLoaded(); err != nil {
		return "", err
	}
	return c.broker.Submit(payload)
}

// SubmitBatch 依序提交多個任務，遇到錯誤即停止
func (c *Controller) SubmitBatch(payloads []types.Payload) ([]types.JobID, error) {
	ids := make([]types.JobID, 0, len(payloads))
	for i, payload := range payloads {
		id, err := c.Submit(payload)
		if err != nil {
			return ids, fmt.Errorf("failed to submit job #%d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AdvanceClock 推進虛擬時鐘
func (c *Controller) AdvanceClock(d time.Duration) error {
	return c.clock.Advance(d)
}

// Ledger 回傳底層 Ledger（查詢用）
func (c *Controller) Ledger() *ledger.Ledger {
	return c.ledger
}

// RunID 本次執行的唯一識別碼
func (c *Controller) RunID() string {
	return c.runID
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		RunID:    c.runID,
		NodeID:   c.pool.NodeID(),
		Started:  c.started,
		Clock:    c.clock.Now(),
		LastSeq:  c.wal.GetLastSeq(),
		Stats:    c.ledger.Stats(),
		Recovery: c.recovery,
	}
	if c.started {
		status.Uptime = time.Since(c.startTime)
	}
	return status
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. cancel()      → 通知時鐘、快照、掃描循環停止
//  2. pool.Stop()   → 等待 worker 完成當前租約並關閉結果通道（resultLoop 隨之結束）
//  3. loopWg.Wait() → 等待所有循環退出
//  4. 最後一次 Checkpoint；若狀態仍未 Reconcile，保留未乾淨關閉標記
//  5. 關閉 WAL
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started, loaded, clean := c.started, c.loaded, !c.unclean
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	if started {
		c.cancel()
	}
	c.pool.Stop()
	c.loopWg.Wait()

	var errs []error
	if loaded {
		if err := c.checkpoint(clean); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
			errs = append(errs, err)
		}
	}

	if err := c.wal.Close(); err != nil {
		c.log.Error("Failed to close WAL", "error", err)
		errs = append(errs, err)
	}

	c.log.Info("Controller stopped")
	return errors.Join(errs...)
}

// Close 關閉 WAL 但不寫快照（唯讀檢視後使用）
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if started {
		c.cancel()
	}
	c.pool.Stop()
	c.loopWg.Wait()
	return c.wal.Close()
}

func (c *Controller) requireLoaded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if !c.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (c *Controller) checkInvariants() {
	if err := c.ledger.CheckInvariants(); err != nil {
		c.log.Error("Ledger invariant violated", "error", err)
	}
}

// CheckInvariants 檢查 Ledger 不變量
func (c *Controller) CheckInvariants() error {
	return c.ledger.CheckInvariants()
}
