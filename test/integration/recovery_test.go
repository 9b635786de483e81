// ============================================================================
// Lease-Recovery 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復功能測試
//
// TestEndToEndWithAbandonedAttempts:
//   虛擬時鐘持續推進，部分任務第一次嘗試被放棄（handler 失敗），
//   租約過期後由其他 worker 重試、定期掃描中止舊執行紀錄。
//   預期：全部 SUCCEEDED，每個任務恰好一筆效果。
//
// TestCrashMidRunAndRestart:
//   執行中途崩潰（不寫最後快照），以同一組檔案重啟。
//   預期：快照 + WAL 尾端重放後執行 Reconcile，全部任務最終 SUCCEEDED，
//   每個任務最多一筆效果，不變量成立。
//
// TestCrashAfterCommitAcrossRestart:
//   所有 worker 都在提交後崩潰，重啟時 Reconcile 直接收尾，不重新執行。
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lease-recovery/internal/controller"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

var errFirstAttempt = errors.New("first attempt abandoned")

// generatePayloads 生成指定數量的測試載荷
func generatePayloads(count int) []types.Payload {
	payloads := make([]types.Payload, count)
	for i := range payloads {
		payloads[i] = types.Payload{"index": i}
	}
	return payloads
}

// testConfig 快速推進的虛擬時鐘：每 5ms 推進 100ms，租約 1s
func testConfig(dir string) controller.Config {
	return controller.Config{
		WorkerCount:       4,
		LeaseDuration:     time.Second,
		Faults:            types.Faults{EnforceIdempotentCommit: true},
		PollRate:          500,
		PollBurst:         1,
		ClockTick:         100 * time.Millisecond,
		ClockTickInterval: 5 * time.Millisecond,
		SnapshotInterval:  50 * time.Millisecond,
		SnapshotRetention: 2,
		ReconcileInterval: 20 * time.Millisecond,
		WALPath:           filepath.Join(dir, "ledger.wal"),
		SnapshotPath:      filepath.Join(dir, "ledger.snapshot.json"),
		WALBufferSize:     50,
		WALSyncOnAppend:   true,
	}
}

func waitAllSucceeded(t *testing.T, ctrl *controller.Controller, n int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Ledger().Stats().Jobs[types.JobSucceeded] == n
	}, timeout, 20*time.Millisecond, "jobs did not all succeed: %+v", ctrl.Ledger().Stats().Jobs)
}

func assertAtMostOneEffect(t *testing.T, ctrl *controller.Controller, exact bool) {
	t.Helper()
	for _, id := range ctrl.Ledger().JobOrder() {
		count := ctrl.Ledger().CountEffects(id)
		if exact {
			assert.Equal(t, 1, count, "job %s", id)
		} else {
			assert.LessOrEqual(t, count, 1, "job %s", id)
		}
	}
	assert.NoError(t, ctrl.CheckInvariants())
}

func TestEndToEndWithAbandonedAttempts(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Handler = func(_ context.Context, lease types.Lease, job types.Job) error {
		index, _ := job.Payload["index"].(float64)
		if lease.Attempt == 1 && int(index)%2 == 1 {
			return errFirstAttempt
		}
		return nil
	}

	ctrl, err := controller.NewController(cfg)
	require.NoError(t, err)
	defer ctrl.Stop()
	require.NoError(t, ctrl.Start(context.Background()))

	const jobCount = 20
	ids, err := ctrl.SubmitBatch(generatePayloads(jobCount))
	require.NoError(t, err)

	waitAllSucceeded(t, ctrl, jobCount, 15*time.Second)
	// 被放棄的執行紀錄在過期後由定期掃描中止
	require.Eventually(t, func() bool {
		return len(ctrl.Ledger().ListByStatus(types.ExecLeased, types.ExecInProgress)) == 0
	}, 10*time.Second, 20*time.Millisecond)
	assertAtMostOneEffect(t, ctrl, true)

	// 奇數任務至少嘗試兩次，且第一次被中止
	for i, id := range ids {
		execs := ctrl.Ledger().ExecutionsForJob(id)
		if i%2 == 1 {
			require.GreaterOrEqual(t, len(execs), 2, "job %s", id)
			assert.Equal(t, types.ExecAborted, execs[0].Status)
		}
		assert.Equal(t, types.ExecDone, execs[len(execs)-1].Status)
	}
}

func TestCrashMidRunAndRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	// 處理速度放慢，確保崩潰時仍有進行中的租約
	cfg.PollRate = 20

	ctrl1, err := controller.NewController(cfg)
	require.NoError(t, err)
	require.NoError(t, ctrl1.Start(context.Background()))

	const jobCount = 30
	_, err = ctrl1.SubmitBatch(generatePayloads(jobCount))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ctrl1.Ledger().Stats().Jobs[types.JobSucceeded] >= 5
	}, 10*time.Second, 10*time.Millisecond)

	// 模擬崩潰：不寫最後的乾淨快照
	require.NoError(t, ctrl1.Close())

	cfg.PollRate = 500
	ctrl2, err := controller.NewController(cfg)
	require.NoError(t, err)
	defer ctrl2.Stop()

	start := time.Now()
	require.NoError(t, ctrl2.Start(context.Background()))
	t.Logf("Recovery took %v", time.Since(start))

	status := ctrl2.GetStatus()
	assert.True(t, status.Recovery.Unclean)
	assert.Len(t, ctrl2.Ledger().JobOrder(), jobCount)

	waitAllSucceeded(t, ctrl2, jobCount, 15*time.Second)
	assertAtMostOneEffect(t, ctrl2, true)
}

func TestCrashAfterCommitAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ClockTick = 0 // 租約不會過期，崩潰的執行紀錄只能由 Reconcile 收尾
	cfg.ReconcileInterval = 0
	cfg.Faults.CrashAfterCommitBeforeDone = true

	ctrl1, err := controller.NewController(cfg)
	require.NoError(t, err)
	require.NoError(t, ctrl1.Start(context.Background()))

	const jobCount = 10
	_, err = ctrl1.SubmitBatch(generatePayloads(jobCount))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ctrl1.Ledger().ListByStatus(types.ExecCommitted)) == jobCount
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, ctrl1.Close())

	cfg.Faults.CrashAfterCommitBeforeDone = false
	ctrl2, err := controller.NewController(cfg)
	require.NoError(t, err)
	defer ctrl2.Stop()

	report, err := ctrl2.Recover(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Reconcile.Finalized, jobCount)
	assert.Empty(t, report.Reconcile.Aborted)

	assert.Equal(t, jobCount, ctrl2.Ledger().Stats().Jobs[types.JobSucceeded])
	assertAtMostOneEffect(t, ctrl2, true)

	// 每個任務只有一次執行紀錄
	for _, id := range ctrl2.Ledger().JobOrder() {
		assert.Len(t, ctrl2.Ledger().ExecutionsForJob(id), 1)
	}
}

func TestDuplicateOutcomeUnderAggressiveExpiry(t *testing.T) {
	cfg := testConfig(t.TempDir())
	// 租約短於處理時間：過期重試頻繁，但提交邊界保證最多一筆效果
	cfg.LeaseDuration = 100 * time.Millisecond
	cfg.ClockTick = 100 * time.Millisecond
	cfg.ClockTickInterval = time.Millisecond
	cfg.Handler = func(ctx context.Context, _ types.Lease, _ types.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	}

	ctrl, err := controller.NewController(cfg)
	require.NoError(t, err)
	defer ctrl.Stop()
	require.NoError(t, ctrl.Start(context.Background()))

	const jobCount = 10
	_, err = ctrl.SubmitBatch(generatePayloads(jobCount))
	require.NoError(t, err)

	waitAllSucceeded(t, ctrl, jobCount, 15*time.Second)
	assertAtMostOneEffect(t, ctrl, true)
}
