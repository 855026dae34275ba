package journal

// ============================================================================
// 日誌工具函式
// 職責：提供日誌相關的輔助功能
// ============================================================================

import (
	"fmt"
	"io"
)

// GetLastEntry 從日誌檔案讀取最後一筆紀錄
//
// 採用從頭掃描：日誌在每次快照後旋轉，檔案不會太大。
// 檔案不存在或為空時回傳 (nil, nil)。
func GetLastEntry(path string) (*Entry, error) {
	var last *Entry
	err := ReplayFile(path, func(e Entry) error {
		entry := e
		last = &entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return last, nil
}

// CountEntries 計算日誌中的紀錄總數
func CountEntries(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// ValidateJournal 驗證日誌檔案的完整性
//
// 檢查項目：
// - 所有紀錄的 JSON 格式正確
// - 所有紀錄的校驗和正確
// - seq 嚴格遞增
func ValidateJournal(path string) error {
	var lastSeq uint64
	return ReplayFile(path, func(e Entry) error {
		if e.Seq <= lastSeq {
			return fmt.Errorf("journal: seq not increasing at %d (previous %d)", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpJournal 輸出日誌內容（人類可讀格式）
//
//	[Seq:1] (3,12,-4) -> stone at 1700000000000 (checksum:0x12345678)
func DumpJournal(path string, w io.Writer) error {
	return ReplayFile(path, func(e Entry) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] (%d,%d,%d) -> %s at %d (checksum:0x%08x)\n",
			e.Seq, e.Pos.X, e.Pos.Y, e.Pos.Z, e.Block, e.Timestamp, e.Checksum)
		return err
	})
}
