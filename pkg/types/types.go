// Package types 定義了 voxel-pipeline 系統中使用的核心領域模型
package types

import (
	"fmt"
)

// Priority 任務優先級（數值越小越緊急）
type Priority int

// 定義優先級常數
const (
	PriorityCritical   Priority = iota // 關鍵：阻擋可見結果的工作（光照、網格）
	PriorityNear                       // 近期：可容忍延遲（地形生成）
	PriorityBackground                 // 背景：閒置時才處理
)

// String 返回優先級名稱，用於日誌與指標標籤
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNear:
		return "near"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid 檢查優先級是否為已知值
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Stage 區塊管線階段
type Stage int

// 定義階段常數（只能單向前進）
const (
	StageUnloaded   Stage = iota // 未載入
	StageGenerating              // 地形生成中
	StageLighting                // 光照計算中
	StageMeshing                 // 網格建構中
	StageReady                   // 完成，網格已送往渲染端
)

var stageNames = [...]string{"unloaded", "generating", "lighting", "meshing", "ready"}

// String 返回階段名稱
func (s Stage) String() string {
	if s < StageUnloaded || s > StageReady {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Next 返回下一個階段；StageReady 為終點，返回自身
func (s Stage) Next() Stage {
	if s >= StageReady {
		return StageReady
	}
	return s + 1
}

// Stages 依序列出所有階段
func Stages() []Stage {
	return []Stage{StageUnloaded, StageGenerating, StageLighting, StageMeshing, StageReady}
}

// RegionKey 區塊座標（二維整數），可作為 map key
type RegionKey struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (k RegionKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.X, k.Z)
}

// Neighbor 返回相鄰區塊座標
func (k RegionKey) Neighbor(dx, dz int) RegionKey {
	return RegionKey{X: k.X + dx, Z: k.Z + dz}
}

// BlockID 方塊種類
type BlockID uint8

// 方塊調色盤
const (
	BlockAir   BlockID = 0
	BlockGrass BlockID = 1
	BlockDirt  BlockID = 2
	BlockStone BlockID = 3
)

// String 返回方塊名稱
func (b BlockID) String() string {
	switch b {
	case BlockAir:
		return "air"
	case BlockGrass:
		return "grass"
	case BlockDirt:
		return "dirt"
	case BlockStone:
		return "stone"
	default:
		return fmt.Sprintf("block(%d)", uint8(b))
	}
}

// BlockPos 世界座標中的方塊位置
type BlockPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// ============================================================================
// 階段輸出（各階段產出的資料句柄）
// ============================================================================

// GeneratedData 地形生成階段的輸出
type GeneratedData struct {
	Key    RegionKey
	Blocks int // 非空氣方塊數量，供診斷使用
}

// LitData 光照階段的輸出
type LitData struct {
	Key RegionKey
	// Skylight 每一欄（x + z*SizeX）可見天空的最低高度
	Skylight []int
}

// MeshPayload 渲染器無關的幾何資料
// 頂點格式：xyz rgb（每頂點 6 個 float32）
type MeshPayload struct {
	Vertices []float32
	Indices  []uint32
}

// VertexCount 返回頂點數量
func (m *MeshPayload) VertexCount() int {
	if m == nil {
		return 0
	}
	return len(m.Vertices) / 6
}

// UploadItem 完成的網格，等待渲染端消費（只會被消費一次）
type UploadItem struct {
	Key     RegionKey
	Mesh    *MeshPayload
	Version uint64 // 產生此網格後區塊的 MeshVersion
}
