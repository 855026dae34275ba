// ============================================================================
// Voxel-Pipeline World - 方塊儲存與管線協作者
// ============================================================================
//
// Package: internal/world
// 文件: world.go
// 功能: 區塊儲存、平坦地形生成、天空光照、面剔除網格化、方塊編輯
//
// 管線協作者:
//   Generate(key)      → 建立平坦區塊並套用編輯覆蓋層
//   Light(key, gen)    → 每一欄計算天空可見的最低高度
//   Mesh(key, lit)     → 只在相鄰格為空氣時輸出面（跨區塊邊界也檢查）
//
// 編輯:
//   SetBlock 先更新記憶體（覆蓋層 + 已載入區塊），再寫入編輯日誌，
//   最後通知 EditSink 重新網格化擁有者與接觸到邊界的鄰居。
//   日誌寫入包在 circuit breaker 內：連續失敗時暫停寫入，編輯仍然生效。
//
// 並發控制:
//   - mu: 保護 chunks map 與 edits 覆蓋層；Generate 在鎖內套用覆蓋層並插入，
//     SetBlock 在鎖內記錄覆蓋層並查找區塊，兩者不會遺失編輯
//   - Chunk.mu: 保護單一區塊的方塊陣列
//
// ============================================================================

package world

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("world")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrOutOfBounds 高度超出區塊範圍
	ErrOutOfBounds = errors.New("block position out of bounds")
	// ErrNotLoaded 區塊尚未生成
	ErrNotLoaded = errors.New("region not loaded")
)

// ============================================================================
// 介面
// ============================================================================

// EditLog 持久化方塊編輯（storage/journal.Journal）
type EditLog interface {
	Append(pos types.BlockPos, block types.BlockID) (uint64, error)
}

// EditSink 接收編輯通知並重新排程網格化（pipeline.Pipeline）
type EditSink interface {
	Edit(owner types.RegionKey, touched ...types.RegionKey) int
}

// Edit 覆蓋層中的一筆編輯
type Edit struct {
	Pos   types.BlockPos
	Block types.BlockID
}

// Options 世界參數
type Options struct {
	Journal EditLog
	// BreakerFailures 連續失敗幾次後斷開日誌寫入
	BreakerFailures uint32
	// BreakerCooldown 斷開後多久嘗試半開
	BreakerCooldown time.Duration
}

// Stats 世界計數
type Stats struct {
	Chunks         int    `json:"chunks"`
	Edits          int    `json:"edits"`
	JournalWrites  uint64 `json:"journal_writes"`
	JournalDropped uint64 `json:"journal_dropped"`
	BreakerState   string `json:"breaker_state"`
}

// World 方塊世界
type World struct {
	mu     sync.RWMutex
	chunks map[types.RegionKey]*Chunk
	edits  map[types.BlockPos]types.BlockID

	sink    atomic.Pointer[EditSink]
	journal EditLog
	breaker *gobreaker.CircuitBreaker

	journalWrites  atomic.Uint64
	journalDropped atomic.Uint64
}

// New 建立空的世界
func New(opts Options) *World {
	w := &World{
		chunks:  make(map[types.RegionKey]*Chunk),
		edits:   make(map[types.BlockPos]types.BlockID),
		journal: opts.Journal,
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "edit-journal",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return w
}

// SetEditSink 設定編輯通知的接收者
func (w *World) SetEditSink(sink EditSink) {
	w.sink.Store(&sink)
}

// ============================================================================
// 管線協作者
// ============================================================================

// Generate 生成區塊地形並套用覆蓋層中屬於此區塊的編輯
func (w *World) Generate(key types.RegionKey) (*types.GeneratedData, error) {
	c := w.chunk(key)
	if c == nil {
		// 在鎖外建立地形，放入前再檢查一次
		fresh := flatChunk()
		w.mu.Lock()
		if existing, ok := w.chunks[key]; ok {
			c = existing
		} else {
			baseX, baseZ := key.X*SizeX, key.Z*SizeZ
			for pos, id := range w.edits {
				if pos.X >= baseX && pos.X < baseX+SizeX && pos.Z >= baseZ && pos.Z < baseZ+SizeZ {
					fresh.blocks[index(pos.X-baseX, pos.Y, pos.Z-baseZ)] = id
				}
			}
			w.chunks[key] = fresh
			c = fresh
		}
		w.mu.Unlock()
	}

	return &types.GeneratedData{Key: key, Blocks: c.solidCount()}, nil
}

// Light 計算每一欄的天空光照高度：最高實心方塊的上一格
func (w *World) Light(key types.RegionKey, gen *types.GeneratedData) (*types.LitData, error) {
	c := w.chunk(key)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, key)
	}

	sky := make([]int, SizeX*SizeZ)
	c.mu.RLock()
	for z := 0; z < SizeZ; z++ {
		for x := 0; x < SizeX; x++ {
			h := 0
			for y := SizeY - 1; y >= 0; y-- {
				if c.get(x, y, z) != types.BlockAir {
					h = y + 1
					break
				}
			}
			sky[x+z*SizeX] = h
		}
	}
	c.mu.RUnlock()

	return &types.LitData{Key: key, Skylight: sky}, nil
}

// Mesh 面剔除網格化；讀取當下的方塊資料（包含所有已套用的編輯）
func (w *World) Mesh(key types.RegionKey, lit *types.LitData) (*types.MeshPayload, error) {
	c := w.chunk(key)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, key)
	}

	baseX, baseZ := key.X*SizeX, key.Z*SizeZ
	b := &meshBuilder{
		vertices: make([]float32, 0, 8192),
		indices:  make([]uint32, 0, 8192),
	}

	// 先複製一份，讓跨區塊查詢不必同時持有本區塊的鎖
	c.mu.RLock()
	blocks := c.blocks
	c.mu.RUnlock()

	for y := 0; y < SizeY; y++ {
		for z := 0; z < SizeZ; z++ {
			for x := 0; x < SizeX; x++ {
				id := blocks[index(x, y, z)]
				if id == types.BlockAir {
					continue
				}
				col := colorFor(id)
				for _, n := range faceDirs {
					ax, ay, az := x+n[0], y+n[1], z+n[2]
					if ay >= 0 && ay < SizeY {
						var neighbor types.BlockID
						if ax >= 0 && ax < SizeX && az >= 0 && az < SizeZ {
							neighbor = blocks[index(ax, ay, az)]
						} else {
							neighbor = w.GetBlock(baseX+ax, ay, baseZ+az)
						}
						if neighbor != types.BlockAir {
							continue
						}
					}
					b.emitFace(baseX+x, y, baseZ+z, n, faceColor(col, lit, ax, ay, az))
				}
			}
		}
	}
	return b.payload(), nil
}

// faceColor 面朝向的空氣格在天空光照高度以下時變暗
func faceColor(c [3]float32, lit *types.LitData, ax, ay, az int) [3]float32 {
	if lit == nil || len(lit.Skylight) != SizeX*SizeZ {
		return c
	}
	if ax < 0 || ax >= SizeX || az < 0 || az >= SizeZ {
		return c
	}
	if ay < lit.Skylight[ax+az*SizeX] {
		return shade(c, shadeFactor)
	}
	return c
}

// ============================================================================
// 方塊存取
// ============================================================================

func (w *World) chunk(key types.RegionKey) *Chunk {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chunks[key]
}

// GetBlock 讀取世界座標的方塊；未載入或超出高度時為空氣
func (w *World) GetBlock(wx, wy, wz int) types.BlockID {
	if wy < 0 || wy >= SizeY {
		return types.BlockAir
	}
	key, lx, lz := RegionOf(wx, wz)
	c := w.chunk(key)
	if c == nil {
		return types.BlockAir
	}
	return c.Get(lx, wy, lz)
}

// IsSolid 是否為實心方塊
func (w *World) IsSolid(wx, wy, wz int) bool {
	return w.GetBlock(wx, wy, wz) != types.BlockAir
}

// SetBlock 修改方塊、寫入日誌，並重新網格化擁有者與接觸到的鄰居
//
// 返回值：
//   - int: 提交的 mesh 任務數
//   - error: ErrOutOfBounds
func (w *World) SetBlock(wx, wy, wz int, id types.BlockID) (int, error) {
	if wy < 0 || wy >= SizeY {
		return 0, fmt.Errorf("%w: y=%d", ErrOutOfBounds, wy)
	}
	pos := types.BlockPos{X: wx, Y: wy, Z: wz}
	owner, lx, lz := w.apply(pos, id)

	w.persist(pos, id)

	sinkPtr := w.sink.Load()
	if sinkPtr == nil {
		return 0, nil
	}
	return (*sinkPtr).Edit(owner, touchedNeighbors(owner, lx, lz)...), nil
}

// ApplyEdit 只更新記憶體，不寫日誌也不通知（恢復時使用）
func (w *World) ApplyEdit(pos types.BlockPos, id types.BlockID) {
	if pos.Y < 0 || pos.Y >= SizeY {
		return
	}
	w.apply(pos, id)
}

func (w *World) apply(pos types.BlockPos, id types.BlockID) (types.RegionKey, int, int) {
	key, lx, lz := RegionOf(pos.X, pos.Z)

	w.mu.Lock()
	w.edits[pos] = id
	c := w.chunks[key]
	w.mu.Unlock()

	if c != nil {
		c.Set(lx, pos.Y, lz, id)
	}
	return key, lx, lz
}

// persist 經 circuit breaker 寫入日誌；失敗只記錄，不影響編輯
func (w *World) persist(pos types.BlockPos, id types.BlockID) {
	if w.journal == nil {
		return
	}
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return w.journal.Append(pos, id)
	})
	if err != nil {
		w.journalDropped.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Debug("Edit not journaled, breaker open", "pos", pos)
			return
		}
		log.Warn("Failed to journal edit", "pos", pos, "error", err)
		return
	}
	w.journalWrites.Add(1)
}

// touchedNeighbors 區塊內座標在邊界上時返回共享該邊界的鄰居
func touchedNeighbors(key types.RegionKey, lx, lz int) []types.RegionKey {
	var out []types.RegionKey
	if lx == 0 {
		out = append(out, key.Neighbor(-1, 0))
	}
	if lx == SizeX-1 {
		out = append(out, key.Neighbor(1, 0))
	}
	if lz == 0 {
		out = append(out, key.Neighbor(0, -1))
	}
	if lz == SizeZ-1 {
		out = append(out, key.Neighbor(0, 1))
	}
	return out
}

// ============================================================================
// 查詢
// ============================================================================

// Edits 返回覆蓋層的複本（快照使用）
func (w *World) Edits() []Edit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Edit, 0, len(w.edits))
	for pos, id := range w.edits {
		out = append(out, Edit{Pos: pos, Block: id})
	}
	return out
}

// Loaded 區塊是否已生成
func (w *World) Loaded(key types.RegionKey) bool {
	return w.chunk(key) != nil
}

// Stats 返回世界計數
func (w *World) Stats() Stats {
	w.mu.RLock()
	chunks, edits := len(w.chunks), len(w.edits)
	w.mu.RUnlock()
	return Stats{
		Chunks:         chunks,
		Edits:          edits,
		JournalWrites:  w.journalWrites.Load(),
		JournalDropped: w.journalDropped.Load(),
		BreakerState:   w.breaker.State().String(),
	}
}
