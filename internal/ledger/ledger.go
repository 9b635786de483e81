// ============================================================================
// Lease-Recovery Ledger - 租約與提交邊界的狀態帳本
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 持有所有 Job / Execution 紀錄、效果日誌與提交索引，
//       並提供唯一的租約建立與提交原語
//
// 狀態機:
//
//	Execution:  LEASED → IN_PROGRESS → COMMITTED → DONE
//	            LEASED | IN_PROGRESS → ABORTED（僅由 Reconciler）
//
//	Job:        PENDING → RUNNING → SUCCEEDED
//	            RUNNING → PENDING（Reconciler 重新開放過期且未提交的任務）
//
// 數據結構設計（arena + index）:
//   jobs / execs map - 以 id 為鍵的主存儲
//   jobOrder         - 提交順序，LeaseBroker 以 FIFO 掃描
//   execOrder        - 建立順序，ListByStatus 依此輸出
//   jobExecs         - 每個任務的執行紀錄（依 attempt 排序）
//   committed        - 提交索引，first-writer-wins，寫入一次
//   effects          - 只追加的效果日誌
//
// 並發安全:
//   單一 sync.RWMutex 保護所有表。所有 check-then-act
//   （TryLease、CreateLease、ApplyEffect、MarkFinished、AbortStale）
//   都在同一個寫鎖區段內完成，兩個 worker 不可能同時看到「可租用」
//   或「尚未提交」。
//
// 持久化:
//   每次變更先寫入 Journal（write-ahead），寫入成功才套用到記憶體。
//   Journal 寫入失敗時狀態不變，錯誤回傳給呼叫端。
//   JOB_CREATED / EFFECT_APPLIED / FINISHED / ABORTED 強制落盤後才回傳；
//   LEASE_CREATED / STARTED 可留在緩衝區，崩潰時遺失只代表該次嘗試不存在，
//   之後任何強制落盤都會依序先寫出它們。
//
// ============================================================================

package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/lease-recovery/internal/clock"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/internal/storage/wal"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// Journal 預寫日誌，*wal.WAL 即為實作
type Journal interface {
	Append(event wal.Event, isForceFlush bool) error
}

// Option 設定 Ledger 的可選參數
type Option func(*Ledger)

// WithJournal 設定預寫日誌
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithFencing 啟用租約 fencing：
// 呼叫端租約已過期且任務已有更新的執行紀錄時，ApplyEffect 回傳 ErrLeaseLost
func WithFencing(enabled bool) Option {
	return func(l *Ledger) { l.fencing = enabled }
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// Ledger 狀態帳本
type Ledger struct {
	mu      sync.RWMutex
	clock   clock.Source
	journal Journal
	fencing bool
	metrics *metrics.Collector
	log     *slog.Logger

	jobSeq  uint64
	execSeq uint64

	jobs        map[types.JobID]*types.Job
	jobOrder    []types.JobID
	execs       map[types.ExecID]*types.Execution
	execOrder   []types.ExecID
	jobExecs    map[types.JobID][]types.ExecID
	effects     []types.Effect
	effectCount map[types.JobID]int
	committed   map[types.JobID]types.ExecID
	unguarded   map[types.JobID]struct{} // 曾在未啟用冪等檢查下提交的任務
}

// Stats 各狀態數量統計
type Stats struct {
	Jobs       map[types.JobState]int
	Executions map[types.ExecStatus]int
	Effects    int
	Committed  int
}

// New 建立新的 Ledger
//
// 參數說明：
//   - clk: 虛擬時鐘，所有租約到期判斷都以 clk.Now() 為準
//   - opts: WithJournal / WithFencing / WithMetrics / WithLogger
func New(clk clock.Source, opts ...Option) *Ledger {
	l := &Ledger{
		clock: clk,
		log:   slog.Default(),
	}
	l.reset()
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) reset() {
	l.jobSeq = 0
	l.execSeq = 0
	l.jobs = make(map[types.JobID]*types.Job)
	l.jobOrder = make([]types.JobID, 0)
	l.execs = make(map[types.ExecID]*types.Execution)
	l.execOrder = make([]types.ExecID, 0)
	l.jobExecs = make(map[types.JobID][]types.ExecID)
	l.effects = make([]types.Effect, 0)
	l.effectCount = make(map[types.JobID]int)
	l.committed = make(map[types.JobID]types.ExecID)
	l.unguarded = make(map[types.JobID]struct{})
}

// Now 回傳 Ledger 使用的虛擬時間
func (l *Ledger) Now() types.VirtualTime {
	return l.clock.Now()
}

// ============================================================================
// 變更原語
// ============================================================================

// CreateJob 新增一個 PENDING 任務並加入提交順序
//
// 載荷會正規化為 JSON 相容的形式（數字一律為 float64），
// 使記憶體中的載荷與日誌重放後的載荷相同。
//
// 返回值：
//   - error: 載荷無法表示為 JSON 物件（ErrInvalidPayload）或日誌寫入失敗
func (l *Ledger) CreateJob(payload types.Payload) (types.JobID, error) {
	normalized, err := normalizePayload(payload)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event := wal.Event{
		Type:    wal.EventJobCreated,
		JobID:   types.JobID(fmt.Sprintf("job-%d", l.jobSeq+1)),
		At:      l.clock.Now(),
		Payload: normalized,
	}
	if err := l.journalLocked(event); err != nil {
		return "", err
	}
	l.applyJobCreatedLocked(event)

	l.log.Debug("Job created", "jobID", event.JobID)
	return event.JobID, nil
}

// CanLease 判斷任務在 now 時是否可租用
//
// 可租用條件：
//   - 任務尚無任何執行紀錄；或
//   - 最新執行紀錄不是 DONE，且其租約已過期（lease_expires_at <= now）
//
// 已 SUCCEEDED 的任務永遠不可再租用。
func (l *Ledger) CanLease(jobID types.JobID, now types.VirtualTime) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.canLeaseLocked(jobID, now)
}

// CreateLease 為任務建立新的執行紀錄（LEASED）並將任務設為 RUNNING
//
// 在同一個寫鎖內重新檢查可租用條件，不可租用時回傳 ErrNotLeasable，
// 不會破壞租約獨佔性。
func (l *Ledger) CreateLease(jobID types.JobID, workerID types.WorkerID, d time.Duration) (types.ExecID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[jobID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	now := l.clock.Now()
	if !l.canLeaseLocked(jobID, now) {
		return "", fmt.Errorf("%w: %s", ErrNotLeasable, jobID)
	}
	return l.createLeaseLocked(jobID, workerID, d, now)
}

// TryLease 原子性的 check-then-act：可租用則建立租約
//
// 返回值：
//   - ok=false, err=nil: 任務目前不可租用（預期結果，不是錯誤）
func (l *Ledger) TryLease(jobID types.JobID, workerID types.WorkerID, d time.Duration) (types.ExecID, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[jobID]; !ok {
		return "", false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	now := l.clock.Now()
	if !l.canLeaseLocked(jobID, now) {
		return "", false, nil
	}
	execID, err := l.createLeaseLocked(jobID, workerID, d, now)
	if err != nil {
		return "", false, err
	}
	return execID, true, nil
}

// MarkStarted LEASED → IN_PROGRESS
//
// 對其他狀態呼叫屬於邏輯錯誤，回傳 *TransitionError。
func (l *Ledger) MarkStarted(execID types.ExecID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.execs[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecNotFound, execID)
	}
	if exec.Status != types.ExecLeased {
		return &TransitionError{Op: "mark started", ExecID: execID, From: exec.Status}
	}

	event := wal.Event{Type: wal.EventStarted, JobID: exec.JobID, ExecID: execID, At: l.clock.Now()}
	if err := l.journalLocked(event); err != nil {
		return err
	}
	exec.Status = types.ExecInProgress
	return nil
}

// ApplyEffect 提交邊界
//
// 行為：
//   - enforceIdempotent=true 且提交索引已有此任務：回傳 false，不做任何變更
//   - 否則：若提交索引沒有此任務則記錄本執行紀錄；
//     無條件追加效果日誌、狀態設為 COMMITTED，回傳 true
//
// enforceIdempotent=false 時第二次提交仍會追加一筆重複效果，
// 提交索引不變。這是可重現的重複執行缺陷，系統其餘部分據此設防。
//
// 錯誤處理：
//   - ErrExecNotFound
//   - *TransitionError: 執行紀錄不是 LEASED / IN_PROGRESS
//   - ErrLeaseLost: 啟用 fencing 且租約已被取代
func (l *Ledger) ApplyEffect(execID types.ExecID, enforceIdempotent bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.execs[execID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrExecNotFound, execID)
	}

	if enforceIdempotent {
		if winner, exists := l.committed[exec.JobID]; exists {
			l.log.Info("Duplicate commit rejected", "jobID", exec.JobID, "execID", execID, "committedExecID", winner)
			l.metrics.RecordEffect(false, false)
			return false, nil
		}
	}

	if !exec.Status.Live() {
		return false, &TransitionError{Op: "apply effect", ExecID: execID, From: exec.Status}
	}

	now := l.clock.Now()
	if l.fencing && exec.Expired(now) && l.latestExecLocked(exec.JobID) != execID {
		return false, fmt.Errorf("%w: %s expired at %s", ErrLeaseLost, execID, exec.LeaseExpiresAt)
	}

	event := wal.Event{
		Type:    wal.EventEffectApplied,
		JobID:   exec.JobID,
		ExecID:  execID,
		At:      now,
		Enforce: enforceIdempotent,
	}
	if err := l.journalLocked(event); err != nil {
		return false, err
	}
	l.applyEffectLocked(event)

	duplicate := l.effectCount[exec.JobID] > 1
	if duplicate {
		l.log.Warn("Duplicate effect appended", "jobID", exec.JobID, "execID", execID, "effects", l.effectCount[exec.JobID])
	}
	l.metrics.RecordEffect(true, duplicate)
	return true, nil
}

// MarkFinished 將執行紀錄設為 DONE 並將任務投影為 SUCCEEDED
//
// 接受的來源狀態：
//   - COMMITTED
//   - LEASED / IN_PROGRESS，僅當提交索引已記錄「另一個」執行紀錄
//     （重複提交被冪等檢查擋下後的確認）
//   - DONE：no-op
//
// 其他情況回傳 *TransitionError。
func (l *Ledger) MarkFinished(execID types.ExecID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.execs[execID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecNotFound, execID)
	}

	switch exec.Status {
	case types.ExecDone:
		return nil
	case types.ExecCommitted:
	case types.ExecLeased, types.ExecInProgress:
		winner, exists := l.committed[exec.JobID]
		if !exists || winner == execID {
			return &TransitionError{Op: "mark finished", ExecID: execID, From: exec.Status}
		}
	default:
		return &TransitionError{Op: "mark finished", ExecID: execID, From: exec.Status}
	}

	event := wal.Event{Type: wal.EventFinished, JobID: exec.JobID, ExecID: execID, At: l.clock.Now()}
	if err := l.journalLocked(event); err != nil {
		return err
	}
	l.applyFinishedLocked(event)
	return nil
}

// FinalizeCommitted COMMITTED → DONE（Reconciler 專用）
//
// 與 MarkFinished 不同，只接受 COMMITTED：執行紀錄在掃描之後已被
// worker 自行完成（或處於其他狀態）時回傳 false，不做任何變更。
func (l *Ledger) FinalizeCommitted(execID types.ExecID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.execs[execID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrExecNotFound, execID)
	}
	if exec.Status != types.ExecCommitted {
		return false, nil
	}

	event := wal.Event{Type: wal.EventFinished, JobID: exec.JobID, ExecID: execID, At: l.clock.Now()}
	if err := l.journalLocked(event); err != nil {
		return false, err
	}
	l.applyFinishedLocked(event)
	return true, nil
}

// AbortStale 中止一個租約已過期的 LEASED / IN_PROGRESS 執行紀錄
//
// 任務沒有任何已提交的執行紀錄，且被中止的是任務最新的執行紀錄時，
// 任務重新開放為 PENDING。
//
// 返回值：
//   - aborted=false: 執行紀錄不是 live 狀態或租約尚未過期（未變更）
//   - reopened: 任務是否被重新開放
func (l *Ledger) AbortStale(execID types.ExecID, now types.VirtualTime) (aborted, reopened bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.execs[execID]
	if !ok {
		return false, false, fmt.Errorf("%w: %s", ErrExecNotFound, execID)
	}
	if !exec.Status.Live() || !exec.Expired(now) {
		return false, false, nil
	}

	_, hasCommit := l.committed[exec.JobID]
	event := wal.Event{
		Type:     wal.EventAborted,
		JobID:    exec.JobID,
		ExecID:   execID,
		At:       now,
		Reopened: !hasCommit && l.latestExecLocked(exec.JobID) == execID,
	}
	if err := l.journalLocked(event); err != nil {
		return false, false, err
	}
	l.applyAbortedLocked(event)
	return true, event.Reopened, nil
}

// ============================================================================
// 查詢（純讀取，無副作用）
// ============================================================================

// CountEffects 回傳任務在效果日誌中的條目數
func (l *Ledger) CountEffects(jobID types.JobID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.effectCount[jobID]
}

// CommittedExecID 回傳提交索引中記錄的執行紀錄
func (l *Ledger) CommittedExecID(jobID types.JobID) (types.ExecID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.committed[jobID]
	return id, ok
}

// ListByStatus 依建立順序回傳處於任一指定狀態的執行紀錄
func (l *Ledger) ListByStatus(statuses ...types.ExecStatus) []types.ExecID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]types.ExecID, 0)
	for _, id := range l.execOrder {
		status := l.execs[id].Status
		for _, want := range statuses {
			if status == want {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// Job 回傳任務的副本
func (l *Ledger) Job(jobID types.JobID) (types.Job, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return types.Job{}, false
	}
	return copyJob(job), true
}

// Execution 回傳執行紀錄的副本
func (l *Ledger) Execution(execID types.ExecID) (types.Execution, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	exec, ok := l.execs[execID]
	if !ok {
		return types.Execution{}, false
	}
	return *exec, true
}

// ExecutionsForJob 依 attempt 順序回傳任務的所有執行紀錄
func (l *Ledger) ExecutionsForJob(jobID types.JobID) []types.Execution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.jobExecs[jobID]
	out := make([]types.Execution, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.execs[id])
	}
	return out
}

// Effects 回傳效果日誌的副本
func (l *Ledger) Effects() []types.Effect {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Effect(nil), l.effects...)
}

// JobOrder 回傳任務提交順序
func (l *Ledger) JobOrder() []types.JobID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.JobID(nil), l.jobOrder...)
}

// Stats 回傳各狀態數量
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		Jobs:       make(map[types.JobState]int),
		Executions: make(map[types.ExecStatus]int),
		Effects:    len(l.effects),
		Committed:  len(l.committed),
	}
	for _, job := range l.jobs {
		stats.Jobs[job.State]++
	}
	for _, exec := range l.execs {
		stats.Executions[exec.Status]++
	}
	return stats
}

// ============================================================================
// 內部輔助方法（呼叫端須持有 l.mu）
// ============================================================================

func (l *Ledger) journalLocked(event wal.Event) error {
	if l.journal == nil {
		return nil
	}
	if err := l.journal.Append(event, mustBeDurable(event.Type)); err != nil {
		return fmt.Errorf("failed to journal %s for %s: %w", event.Type, event.JobID, err)
	}
	return nil
}

func (l *Ledger) canLeaseLocked(jobID types.JobID, now types.VirtualTime) bool {
	job, ok := l.jobs[jobID]
	if !ok || job.State == types.JobSucceeded {
		return false
	}
	latest := l.latestExecLocked(jobID)
	if latest == "" {
		return true
	}
	exec := l.execs[latest]
	return exec.Status != types.ExecDone && exec.Expired(now)
}

func (l *Ledger) latestExecLocked(jobID types.JobID) types.ExecID {
	ids := l.jobExecs[jobID]
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

func (l *Ledger) createLeaseLocked(jobID types.JobID, workerID types.WorkerID, d time.Duration, now types.VirtualTime) (types.ExecID, error) {
	event := wal.Event{
		Type:           wal.EventLeaseCreated,
		JobID:          jobID,
		ExecID:         types.ExecID(fmt.Sprintf("exec-%d", l.execSeq+1)),
		WorkerID:       workerID,
		Attempt:        len(l.jobExecs[jobID]) + 1,
		At:             now,
		LeaseExpiresAt: now.Add(d),
	}
	if err := l.journalLocked(event); err != nil {
		return "", err
	}
	l.applyLeaseCreatedLocked(event)

	l.log.Debug("Lease created", "jobID", jobID, "execID", event.ExecID, "workerID", workerID, "attempt", event.Attempt, "expiresAt", event.LeaseExpiresAt)
	return event.ExecID, nil
}

func (l *Ledger) applyJobCreatedLocked(event wal.Event) {
	l.jobSeq = max(l.jobSeq, idSeq(string(event.JobID), "job-"))
	payload := event.Payload
	if payload == nil {
		payload = types.Payload{}
	}
	l.jobs[event.JobID] = &types.Job{ID: event.JobID, Payload: payload, State: types.JobPending}
	l.jobOrder = append(l.jobOrder, event.JobID)
}

func (l *Ledger) applyLeaseCreatedLocked(event wal.Event) {
	l.execSeq = max(l.execSeq, idSeq(string(event.ExecID), "exec-"))
	l.execs[event.ExecID] = &types.Execution{
		ID:             event.ExecID,
		JobID:          event.JobID,
		Attempt:        event.Attempt,
		LeaseOwner:     event.WorkerID,
		LeasedAt:       event.At,
		LeaseExpiresAt: event.LeaseExpiresAt,
		Status:         types.ExecLeased,
	}
	l.execOrder = append(l.execOrder, event.ExecID)
	l.jobExecs[event.JobID] = append(l.jobExecs[event.JobID], event.ExecID)
	l.jobs[event.JobID].State = types.JobRunning
}

func (l *Ledger) applyEffectLocked(event wal.Event) {
	if _, exists := l.committed[event.JobID]; !exists {
		l.committed[event.JobID] = event.ExecID
	}
	l.effects = append(l.effects, types.Effect{JobID: event.JobID, ExecID: event.ExecID, At: event.At})
	l.effectCount[event.JobID]++
	if !event.Enforce {
		l.unguarded[event.JobID] = struct{}{}
	}
	l.execs[event.ExecID].Status = types.ExecCommitted
}

func (l *Ledger) applyFinishedLocked(event wal.Event) {
	l.execs[event.ExecID].Status = types.ExecDone
	l.jobs[event.JobID].State = types.JobSucceeded
}

func (l *Ledger) applyAbortedLocked(event wal.Event) {
	l.execs[event.ExecID].Status = types.ExecAborted
	if event.Reopened {
		l.jobs[event.JobID].State = types.JobPending
	}
}

// mustBeDurable 回傳事件是否必須在回傳前落盤
func mustBeDurable(t wal.EventType) bool {
	return t != wal.EventLeaseCreated && t != wal.EventStarted
}

// normalizePayload 透過 structpb 將載荷轉為 JSON 相容的 map
func normalizePayload(payload types.Payload) (types.Payload, error) {
	if len(payload) == 0 {
		return types.Payload{}, nil
	}
	s, err := structpb.NewStruct(map[string]interface{}(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return types.Payload(s.AsMap()), nil
}

func copyJob(job *types.Job) types.Job {
	out := *job
	out.Payload = make(types.Payload, len(job.Payload))
	for k, v := range job.Payload {
		out.Payload[k] = v
	}
	return out
}
