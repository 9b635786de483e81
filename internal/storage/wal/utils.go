package wal

// ============================================================================
// WAL 工具函數
// 職責：提供 WAL 檔案的離線檢查、修復和統計功能
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// scanResult 掃描結果
type scanResult struct {
	events    int    // 有效事件數
	lastSeq   uint64 // 最後一個有效事件的序號
	goodBytes int64  // 最後一個有效事件結束的位移
	tornBytes int64  // 尾端殘行長度（0 表示沒有）
}

// scanFile 逐行掃描 WAL 檔案並對每個事件呼叫 fn
//
// 規則：
// - 每行一個 JSON 事件（json.Encoder 會在尾端寫入換行）
// - 最後一行沒有換行且無法解析：視為崩潰時的殘行，不回報錯誤
// - 其他無法解析的行：*CorruptionError
// - checksum 不符：*ChecksumError
func scanFile(path string, fn func(event Event, offset int64) error) (scanResult, error) {
	var res scanResult

	file, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var event Event
				if err := json.Unmarshal(trimmed, &event); err != nil {
					if !complete {
						res.tornBytes = int64(len(line))
						return res, nil
					}
					return res, &CorruptionError{Seq: res.lastSeq, Offset: offset, Cause: err}
				}
				if !VerifyChecksum(event) {
					return res, &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
				}
				if fn != nil {
					if err := fn(event, offset); err != nil {
						return res, err
					}
				}
				res.events++
				res.lastSeq = event.Seq
			}
			offset += int64(len(line))
			res.goodBytes = offset
		}
		if readErr == io.EOF {
			return res, nil
		}
		if readErr != nil {
			return res, readErr
		}
	}
}

// GetLastEvent 讀取 WAL 檔案的最後一個有效事件
//
// 回傳：
//   - 檔案不存在：os 的 NotExist 錯誤
//   - 檔案沒有任何事件：ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := scanFile(path, func(event Event, _ int64) error {
		ev := event
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 檔案中的有效事件數量
func CountEvents(path string) (int, error) {
	res, err := scanFile(path, nil)
	if err != nil {
		return 0, err
	}
	return res.events, nil
}

// ValidateWAL 驗證 WAL 檔案完整性
//
// 檢查：
// - 每行都是合法 JSON（尾端殘行除外）
// - checksum 正確
// - 序號嚴格連續遞增
func ValidateWAL(path string) error {
	var prev uint64
	first := true
	_, err := scanFile(path, func(event Event, _ int64) error {
		if !first && event.Seq != prev+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSeqGap, event.Seq, prev)
		}
		first = false
		prev = event.Seq
		return nil
	})
	return err
}

// RepairWAL 截斷尾端的殘行
//
// 回傳被截掉的位元組數。檔案不存在時回傳 0, nil。
// 中間損壞（非尾端）不做修復，回傳錯誤交由人工處理。
func RepairWAL(path string) (int64, error) {
	res, err := scanFile(path, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if res.tornBytes == 0 {
		return 0, nil
	}
	if err := os.Truncate(path, res.goodBytes); err != nil {
		return 0, err
	}
	return res.tornBytes, nil
}

// DumpWAL 將 WAL 內容以人類可讀格式輸出
func DumpWAL(path string, out io.Writer) error {
	_, err := scanFile(path, func(event Event, _ int64) error {
		line := fmt.Sprintf("#%d %-15s job=%s", event.Seq, event.Type, event.JobID)
		if event.ExecID != "" {
			line += fmt.Sprintf(" exec=%s", event.ExecID)
		}
		if event.WorkerID != "" {
			line += fmt.Sprintf(" worker=%s attempt=%d expires=%s", event.WorkerID, event.Attempt, event.LeaseExpiresAt)
		}
		if event.Type == EventEffectApplied {
			line += fmt.Sprintf(" enforce=%t", event.Enforce)
		}
		if event.Type == EventAborted {
			line += fmt.Sprintf(" reopened=%t", event.Reopened)
		}
		line += fmt.Sprintf(" at=%s\n", event.At)
		_, err := io.WriteString(out, line)
		return err
	})
	return err
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents  int               // 總事件數
	EventsByType map[EventType]int // 各類型事件數
	FirstSeq     uint64            // 第一個序號
	LastSeq      uint64            // 最後一個序號
	FileSize     int64             // 檔案大小（bytes）
	TornBytes    int64             // 尾端殘行長度
}

// GetWALStats 取得 WAL 統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	stats := &WALStats{
		EventsByType: make(map[EventType]int),
		FileSize:     stat.Size(),
	}
	res, err := scanFile(path, func(event Event, _ int64) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.TotalEvents++
		stats.EventsByType[event.Type]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.LastSeq = res.lastSeq
	stats.TornBytes = res.tornBytes
	return stats, nil
}

// RotatedSegments 回傳 Rotate 產生的舊檔案，依序號由舊到新
//
// 檔名格式：<path>.<20 位序號>，壓縮後為 <path>.<20 位序號>.gz
func RotatedSegments(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}

	prefix := path + "."
	segments := make([]string, 0, len(matches))
	for _, match := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(match, prefix), ".gz")
		if len(suffix) != 20 {
			continue
		}
		if _, err := strconv.ParseUint(suffix, 10, 64); err != nil {
			continue
		}
		segments = append(segments, match)
	}
	// 序號補零到固定寬度，字典序即序號順序
	sort.Strings(segments)
	return segments, nil
}

// PruneRotated 只保留最新的 keep 個舊檔案，回傳刪除數量
//
// 已被快照涵蓋的舊檔案不再參與重放，只作為除錯用途保留。
func PruneRotated(path string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	segments, err := RotatedSegments(path)
	if err != nil {
		return 0, err
	}
	if len(segments) <= keep {
		return 0, nil
	}

	stale := segments[:len(segments)-keep]
	for _, segment := range stale {
		if err := os.Remove(segment); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("failed to remove rotated wal %s: %w", segment, err)
		}
	}
	return len(stale), nil
}
