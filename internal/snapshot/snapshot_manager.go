package snapshot

// ============================================================================
// 職責說明：
// 1. 將方塊編輯覆蓋層序列化為 brotli 壓縮的 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合編輯日誌實現恢復：載入快照，再重放 seq > LastSeq 的紀錄
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Edit 一個被編輯過的方塊
type Edit struct {
	Pos   types.BlockPos `json:"pos"`
	Block types.BlockID  `json:"block"`
}

// Data 快照內容
type Data struct {
	SchemaVer int       `json:"schema_version"` // 版本號
	LastSeq   uint64    `json:"last_seq"`       // 已包含在快照中的最後一筆日誌序號
	CreatedAt time.Time `json:"created_at"`
	Edits     []Edit    `json:"edits"` // 依座標排序，同一位置只出現一次
}

// Manager 快照管理器
type Manager struct {
	path    string     // 快照檔案路徑
	quality int        // brotli 壓縮等級 0-11
	mu      sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path:    path,
		quality: brotli.DefaultCompression,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. JSON 經 brotli 壓縮寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}
	sortEdits(data.Edits)

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := m.writeTemp(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (m *Manager) writeTemp(tmpPath string, data Data) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer f.Close()

	bw := brotli.NewWriterLevel(f, m.quality)
	if err := json.NewEncoder(bw).Encode(data); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 Data（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案（解壓縮或 JSON 失敗）
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion, Edits: []Edit{}}, nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer f.Close()

	var data Data
	dec := json.NewDecoder(brotli.NewReader(f))
	if err := dec.Decode(&data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Edits == nil {
		data.Edits = []Edit{}
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// CompressedSize 返回快照檔案大小（bytes），不存在時為 0
func (m *Manager) CompressedSize() int64 {
	st, err := os.Stat(m.path)
	if err != nil {
		return 0
	}
	return st.Size()
}

// Decode 從任意 reader 解出快照（供除錯工具使用）
func Decode(r io.Reader) (Data, error) {
	var data Data
	if err := json.NewDecoder(brotli.NewReader(r)).Decode(&data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return data, nil
}

func sortEdits(edits []Edit) {
	sort.Slice(edits, func(i, j int) bool {
		a, b := edits[i].Pos, edits[j].Pos
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.Y < b.Y
	})
}
