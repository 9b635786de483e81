package snapshot

// ============================================================================
// 職責說明：
// 1. 將 Ledger 完整狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 保留最近 N 份備份，其餘清除
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// backupTimeLayout 備份檔名中的時間戳，字典序即時間序
const backupTimeLayout = "20060102T150405.000000000"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
	log  *slog.Logger
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		log:  slog.Default(),
	}
}

// Write 原子性寫入快照
//
//  1. 寫入臨時檔案（.tmp）
//  2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 檔案不存在時回傳空的 SnapshotData（首次啟動），
// 以 Exists 區分「無快照」與「空快照」。
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.SnapshotData{
				SchemaVer: SchemaVersion,
				Committed: make(map[types.JobID]types.ExecID),
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Committed == nil {
		data.Committed = make(map[types.JobID]types.ExecID)
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 份舊版本
//
// keepBackups <= 0 時不保留備份，行為等同 Write。
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keepBackups > 0 && m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().UTC().Format(backupTimeLayout))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(data); err != nil {
		return err
	}

	removed, err := m.pruneLocked(keepBackups)
	if err != nil {
		// 清理失敗不影響新快照的有效性
		m.log.Warn("Failed to prune snapshot backups", "path", m.path, "error", err)
	} else if removed > 0 {
		m.log.Debug("Pruned snapshot backups", "path", m.path, "removed", removed)
	}
	return nil
}

// Backups 回傳現存的備份檔，由舊到新
func (m *Manager) Backups() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupsLocked()
}

func (m *Manager) backupsLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}

	prefix := m.path + "."
	backups := make([]string, 0, len(matches))
	for _, match := range matches {
		suffix := strings.TrimPrefix(match, prefix)
		if _, err := time.Parse(backupTimeLayout, suffix); err != nil {
			continue // .tmp 等其他檔案
		}
		backups = append(backups, match)
	}
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneLocked(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.backupsLocked()
	if err != nil {
		return 0, err
	}
	if len(backups) <= keep {
		return 0, nil
	}

	stale := backups[:len(backups)-keep]
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("failed to remove snapshot backup %s: %w", path, err)
		}
	}
	return len(stale), nil
}
