package journal

// ============================================================================
// 編輯日誌核心實作
// 職責：
// 1. 追加方塊編輯到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復編輯覆蓋層
// 3. 支援日誌旋轉（快照後換新檔）
// 4. 批次寫入：緩衝滿、超過 flush 間隔或強制 flush 時才寫入並 fsync
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
	"sync"
	"time"

	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("journal")

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 日誌參數
type Options struct {
	BufferSize    int           // 緩衝幾筆後 flush；<= 1 表示每筆都 flush
	FlushInterval time.Duration // 距離上次 flush 超過此時間就 flush
	KeepBackups   int           // Rotate 後保留的舊檔數量
}

// DefaultOptions 預設參數
func DefaultOptions() Options {
	return Options{
		BufferSize:    64,
		FlushInterval: 200 * time.Millisecond,
		KeepBackups:   2,
	}
}

// Journal 表示編輯日誌實例
type Journal struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // 日誌檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // 日誌檔案路徑
	seq     uint64        // 當前序號
	closed  bool
	opts    Options

	buffer        []Entry // 待寫入的紀錄
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個日誌實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

minSeq 是已知的最小起點（例如快照的 LastSeq），避免 Rotate 後序號倒退。
*/
func Open(path string, minSeq uint64, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	seq := minSeq
	last, err := GetLastEntry(path)
	if err != nil {
		file.Close()
		return nil, err
	}
	if last != nil && last.Seq > seq {
		seq = last.Seq
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一筆方塊編輯
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 加入緩衝；緩衝滿或超時才寫入並同步
//
// 回傳：
//
//	這筆紀錄的 seq，錯誤（如果 flush 失敗）
func (j *Journal) Append(pos types.BlockPos, block types.BlockID) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	j.seq++
	entry := Entry{
		Seq:       j.seq,
		Pos:       pos,
		Block:     block,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  CalculateChecksum(j.seq, pos, block),
	}
	j.buffer = append(j.buffer, entry)

	needFlush := len(j.buffer) >= j.opts.BufferSize ||
		(j.opts.FlushInterval > 0 && time.Since(j.lastFlushTime) > j.opts.FlushInterval)
	if needFlush {
		if err := j.flushLocked(); err != nil {
			return entry.Seq, err
		}
	}
	return entry.Seq, nil
}

// Flush 立刻寫入所有緩衝的紀錄
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// FlushIfDue 緩衝非空且距離上次 flush 超過 FlushInterval 時寫入
//
// Append 只在下一筆紀錄到來時檢查間隔；閒置時由呼叫者定期呼叫此方法。
func (j *Journal) FlushIfDue() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || len(j.buffer) == 0 {
		return false, nil
	}
	if time.Since(j.lastFlushTime) < j.opts.FlushInterval {
		return false, nil
	}
	if err := j.flushLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Buffered 返回尚未寫入檔案的紀錄數
func (j *Journal) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Replay 重放所有紀錄
//
// 行為：
// - 先 flush 緩衝，再從頭讀取檔案
// - 驗證每筆紀錄的 checksum，不符時回傳 *ChecksumError
// - 最後一行不完整（寫入途中崩潰）時忽略該行
// - handler 回傳錯誤時立即停止
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(j.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 <path>.<timestamp> 保留，新檔從空白開始；seq 不歸零。
// 只保留最近 KeepBackups 個舊檔。
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()

	if err := pruneBackups(j.path, j.opts.KeepBackups); err != nil {
		log.Warn("Failed to prune journal backups", "path", j.path, "error", err)
	}
	log.Info("Journal rotated", "backup", backupPath, "last_seq", j.seq)
	return nil
}

// Close 關閉日誌（先 flush）；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// LastSeq 取得當前的序號
//
// 用途：快照時需要記錄 last_seq，恢復時跳過已包含在快照中的紀錄
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 返回日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
// 將緩衝的紀錄批次寫入並同步到磁碟
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for i, entry := range j.buffer {
		if err := j.encoder.Encode(entry); err != nil {
			// 保留尚未寫入的部分，下次再試
			j.buffer = append(j.buffer[:0], j.buffer[i:]...)
			return fmt.Errorf("journal encode seq=%d: %w", entry.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// ReplayFile 依序讀取 path 中的紀錄並交給 handler；檔案不存在視為空
func ReplayFile(path string, handler EntryHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				if readErr == io.EOF {
					// 沒有換行結尾：寫入途中崩潰留下的半行
					log.Warn("Ignoring torn journal tail", "path", path, "bytes", len(line))
					return nil
				}
				return fmt.Errorf("journal decode: %w", err)
			}
			if !VerifyChecksum(entry) {
				return &ChecksumError{
					Seq:      entry.Seq,
					Expected: CalculateChecksum(entry.Seq, entry.Pos, entry.Block),
					Actual:   entry.Checksum,
				}
			}
			if err := handler(entry); err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// pruneBackups 只保留最新的 keep 個舊檔
func pruneBackups(path string, keep int) error {
	if keep < 0 {
		return nil
	}
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	// 時間戳檔名可直接按字典序排序
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}
