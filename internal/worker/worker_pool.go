// ============================================================================
// Lease-Recovery Worker Pool - 並發租約執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 每個 Worker 透過自己的 rate.Limiter 向 LeaseSource 輪詢
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ <--ReceiveResult()-- resultCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│──→ LeaseSource.Lease()
//   │  │Worker 2│──→ LeaseSource.Lease()   ──→ resultCh
//   │  │Worker 3│──→ LeaseSource.Lease()
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. ReceiveResult() - 從 resultCh 讀取結果
//   4. Stop() - 取消 context，等待所有 Worker 完成當前租約
//
// 錯誤處理:
//   - ErrPoolClosed: Pool 已關閉
//   - ErrPoolAlreadyStarted: 重複啟動
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/internal/policy"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolAlreadyStarted 表示 Pool 已經啟動
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// PoolConfig Worker Pool 設定
type PoolConfig struct {
	PollRate         float64       // 每個 Worker 每秒輪詢次數（<=0 使用預設 50）
	PollBurst        int           // 輪詢突發量
	BreakerThreshold int           // 連續失敗幾次後暫停輪詢（<=0 停用）
	BreakerCooldown  time.Duration // 斷路器開啟後的冷卻時間
	ResultBuffer     int           // 結果通道緩衝大小
	Faults           types.Faults  // 傳給每個 Session 的故障開關
	Tracer           trace.Tracer  // 可選
	Metrics          *metrics.Collector
	Logger           *slog.Logger
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	nodeID   string
	cfg      PoolConfig
	source   LeaseSource
	ledger   *ledger.Ledger
	handler  Handler
	workers  []*Worker
	resultCh chan Result
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	log      *slog.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - cfg: Pool 設定
//   - source: 租約來源（通常是 *broker.Broker）
//   - l: Ledger，Session 透過它提交
//   - handler: 業務邏輯，nil 表示不做任何事直接提交
func NewPool(cfg PoolConfig, source LeaseSource, l *ledger.Ledger, handler Handler) *Pool {
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 100
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = 50
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = 1
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		nodeID:   uuid.NewString()[:8],
		cfg:      cfg,
		source:   source,
		ledger:   l,
		handler:  handler,
		workers:  make([]*Worker, 0),
		resultCh: make(chan Result, cfg.ResultBuffer),
		stopCh:   make(chan struct{}),
		log:      logger,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	limit := rate.Limit(p.cfg.PollRate)

	for i := 0; i < workerCount; i++ {
		id := types.WorkerID(fmt.Sprintf("%s-w%d", p.nodeID, i))
		w := &Worker{
			id:     id,
			source: p.source,
			session: NewSession(id, p.ledger, p.cfg.Faults,
				WithTracer(p.cfg.Tracer),
				WithSessionMetrics(p.cfg.Metrics),
				WithSessionLogger(p.log),
			),
			handler:  p.handler,
			limiter:  rate.NewLimiter(limit, p.cfg.PollBurst),
			breaker:  policy.NewCircuitBreaker(p.cfg.BreakerThreshold),
			cooldown: p.cfg.BreakerCooldown,
			resultCh: p.resultCh,
			log:      p.log,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	p.log.Info("Worker pool started", "nodeID", p.nodeID, "workers", workerCount)
	return nil
}

// ReceiveResult 從結果通道接收執行結果
//
// 返回值：
//   - error: Pool 已關閉且沒有剩餘結果時回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results 回傳唯讀的結果通道，Stop 後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌（重複呼叫直接返回）
//  2. 若已啟動：取消 context，Worker 在下一次輪詢前退出
//  3. 等待所有 Worker 完成當前租約
//  4. 關閉 stopCh 與 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	// 未啟動時沒有 Worker 會寫入 resultCh，可以直接關閉
	if started {
		p.cancel()
		p.wg.Wait()
	}

	close(p.stopCh)
	close(p.resultCh)
	p.log.Info("Worker pool stopped", "nodeID", p.nodeID, "started", started)
}

// NodeID 回傳 Pool 的節點識別碼（Worker ID 前綴）
func (p *Pool) NodeID() string {
	return p.nodeID
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
