package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 在 Ledger 變更之前追加事件到日誌檔案（write-ahead，append-only）
// 2. 提供重放功能以重建 Ledger 狀態
// 3. 支援日誌旋轉（快照後切換新檔，序號延續）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號（旋轉後不歸零）
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration

	compressRotated bool // 旋轉後的備份檔是否 gzip 壓縮
	log             *slog.Logger

	stopCh chan struct{} // 停止背景 flush
	wg     sync.WaitGroup
}

// Option 設定 WAL 的可選參數
type Option func(*WAL)

// WithBufferSize 設定批次寫入緩衝區大小（<=0 時忽略）
func WithBufferSize(n int) Option {
	return func(w *WAL) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithFlushInterval 設定緩衝區最長停留時間（<=0 時忽略）
func WithFlushInterval(d time.Duration) Option {
	return func(w *WAL) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithCompressRotated 旋轉時將備份檔壓縮為 .gz
func WithCompressRotated(enabled bool) Option {
	return func(w *WAL) { w.compressRotated = enabled }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(w *WAL) {
		if l != nil {
			w.log = l
		}
	}
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 若檔案尾端有寫到一半的事件（崩潰時的殘行），先截斷到最後一個完整事件
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- 啟動背景 flush 迴圈，緩衝區最長停留 flushInterval，由 Close 停止

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 都立即 flush + fsync

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool, opts ...Option) (*WAL, error) {
	w := &WAL{
		path:          path,
		syncOnAppend:  syncOnAppend,
		bufferSize:    1000,
		flushInterval: 1 * time.Second,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	// 先修復殘行，否則後續追加會接在損壞的資料後面
	if truncated, err := RepairWAL(path); err != nil {
		return nil, fmt.Errorf("failed to repair wal: %w", err)
	} else if truncated > 0 {
		w.log.Warn("Truncated torn WAL tail", "path", path, "bytes", truncated)
	}

	lastEvent, err := GetLastEvent(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrEmptyWAL) {
		return nil, err
	}
	if lastEvent != nil {
		w.seq = lastEvent.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.buffer = make([]Event, 0, w.bufferSize)
	w.lastFlushTime = time.Now()
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq 並寫入 event.Seq
// - 計算 checksum
// - 加入緩衝區；isForceFlush、syncOnAppend、緩衝區滿或超時時寫入並同步到磁碟
// - 強制 flush 會依序寫出緩衝區中較早的事件
//
// 回傳：
//
//	錯誤（如果寫入失敗）。寫入失敗時呼叫方不得套用對應的狀態變更。
//	isForceFlush=true 且回傳 nil 時，事件已 fsync 到磁碟。
func (w *WAL) Append(event Event, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if !needFlush {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		// 事件尚未寫出：移出緩衝區並回退序號
		if n := len(w.buffer); n > 0 && w.buffer[n-1].Seq == event.Seq {
			w.buffer = w.buffer[:n-1]
			w.seq--
		}
		return err
	}
	return nil
}

// Flush 將緩衝區寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
func (w *WAL) Replay(handler EventHandler) error {
	return w.ReplayFrom(0, handler)
}

// ReplayFrom 重放序號大於 afterSeq 的事件
//
// 行為：
// - 先 flush 緩衝區
// - 從頭讀取 WAL 檔案，驗證每個事件的 checksum
// - seq <= afterSeq 的事件已包含在快照中，跳過
// - 呼叫 handler 應用事件，遇到錯誤立即停止
// - 最後一行若是寫到一半的殘行則忽略並記錄警告
func (w *WAL) ReplayFrom(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	res, err := scanFile(w.path, func(event Event, _ int64) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
	if err != nil {
		return err
	}
	if res.tornBytes > 0 {
		w.log.Warn("Ignoring torn WAL tail", "path", w.path, "afterSeq", res.lastSeq, "bytes", res.tornBytes)
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為 <path>.<lastSeq>，並開啟新的空檔案。
// 序號不歸零：快照記錄的 LastSeq 與之後的事件必須可比較。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := fmt.Sprintf("%s.%020d", w.path, w.seq)
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.compressRotated {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			w.log.Warn("Failed to compress rotated WAL", "path", backupPath, "error", err)
		} else if err := os.Remove(backupPath); err != nil {
			w.log.Warn("Failed to remove rotated WAL", "path", backupPath, "error", err)
		}
	}

	return nil
}

// SetBaseSeq 將序號推進到至少 seq
//
// 用途：旋轉後的新檔案是空的，重啟時需要從快照的 LastSeq 接續，
// 否則新事件的序號會小於快照而在下次重放時被跳過。
func (w *WAL) SetBaseSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Close 關閉 WAL
//
// 關閉後的實例不可重用，後續操作回傳 ErrWALClosed。
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return nil
	}
	if err := w.flushLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.closed = true
	close(w.stopCh)
	err := w.file.Close()
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLoop 背景 flush 迴圈
// 沒有新的 Append 時，緩衝區中的事件仍會在 flushInterval 內寫出
func (w *WAL) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil && !errors.Is(err, ErrWALClosed) {
				w.log.Error("Background WAL flush failed", "path", w.path, "error", err)
			}
		}
	}
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// compressWALFile gzip 壓縮 WAL 檔案
// 只在旋轉時進行壓縮，檔名加 .gz
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
