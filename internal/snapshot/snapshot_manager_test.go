package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、壓縮、版本驗證與錯誤處理
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("edits.snapshot")
	assert.NotNil(t, manager)
	assert.Equal(t, "edits.snapshot", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edits.snapshot")
	manager := NewManager(path)

	original := Data{
		LastSeq: 100,
		Edits: []Edit{
			{Pos: types.BlockPos{X: 5, Y: 12, Z: 1}, Block: types.BlockAir},
			{Pos: types.BlockPos{X: -3, Y: 13, Z: 7}, Block: types.BlockStone},
		},
	}
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.False(t, loaded.CreatedAt.IsZero())

	// 依座標排序
	require.Len(t, loaded.Edits, 2)
	assert.Equal(t, -3, loaded.Edits[0].Pos.X)
	assert.Equal(t, types.BlockStone, loaded.Edits[0].Block)
	assert.Equal(t, 5, loaded.Edits[1].Pos.X)
}

// TestLoadNonExistent 首次啟動回傳空快照
func TestLoadNonExistent(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.snapshot"))
	assert.False(t, manager.Exists())
	assert.Equal(t, int64(0), manager.CompressedSize())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Empty(t, data.Edits)
	assert.NotNil(t, data.Edits)
}

// TestSnapshotIsCompressed 快照檔為 brotli 格式且比原始 JSON 小
func TestSnapshotIsCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edits.snapshot")
	manager := NewManager(path)

	data := Data{}
	for x := 0; x < 64; x++ {
		for z := 0; z < 64; z++ {
			data.Edits = append(data.Edits, Edit{Pos: types.BlockPos{X: x, Y: 12, Z: z}, Block: types.BlockAir})
		}
	}
	require.NoError(t, manager.Write(data))

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Less(t, manager.CompressedSize(), int64(len(raw))/4)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := Decode(f)
	require.NoError(t, err)
	assert.Len(t, decoded.Edits, 64*64)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestLoadCorrupted 損壞的快照檔
func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edits.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("definitely not brotli"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadIncompatibleVersion 版本不相容
func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edits.snapshot")

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	require.NoError(t, json.NewEncoder(bw).Encode(map[string]interface{}{
		"schema_version": 99,
		"last_seq":       1,
		"edits":          []Edit{},
	}))
	require.NoError(t, bw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestAtomicWriteLeavesNoTemp 寫入後不留臨時檔
func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "edits.snapshot")
	manager := NewManager(path)

	require.NoError(t, manager.Write(Data{LastSeq: 1}))
	require.NoError(t, manager.Write(Data{LastSeq: 2}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.LastSeq)
}

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWrites 並發寫入後快照仍可載入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "edits.snapshot"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(Data{
				LastSeq: uint64(i),
				Edits:   []Edit{{Pos: types.BlockPos{X: i}, Block: types.BlockDirt}},
			}))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Edits, 1)
	assert.Equal(t, uint64(loaded.Edits[0].Pos.X), loaded.LastSeq)
}
