package world

import (
	"sync"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// 區塊尺寸
const (
	SizeX = 16
	SizeY = 128
	SizeZ = 16
)

// 平坦地形高度：y < 9 石頭，9..11 泥土，12 草
const (
	stoneTop = 9
	dirtTop  = 12
	grassY   = 12
)

// SurfaceY 平坦地形表面上方第一個空氣格
const SurfaceY = grassY + 1

// Chunk 一個區塊的方塊資料
// 索引：x + z*SizeX + y*SizeX*SizeZ
type Chunk struct {
	mu     sync.RWMutex
	blocks [SizeX * SizeY * SizeZ]types.BlockID
}

func index(x, y, z int) int {
	return x + z*SizeX + y*SizeX*SizeZ
}

// Get 讀取區塊內座標的方塊
func (c *Chunk) Get(x, y, z int) types.BlockID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[index(x, y, z)]
}

// Set 寫入區塊內座標的方塊
func (c *Chunk) Set(x, y, z int, id types.BlockID) {
	c.mu.Lock()
	c.blocks[index(x, y, z)] = id
	c.mu.Unlock()
}

// get 呼叫者持有 c.mu
func (c *Chunk) get(x, y, z int) types.BlockID {
	return c.blocks[index(x, y, z)]
}

// flatChunk 產生平坦地形
func flatChunk() *Chunk {
	c := &Chunk{}
	for y := 0; y < SizeY; y++ {
		var id types.BlockID
		switch {
		case y < stoneTop:
			id = types.BlockStone
		case y < dirtTop:
			id = types.BlockDirt
		case y == grassY:
			id = types.BlockGrass
		default:
			id = types.BlockAir
		}
		if id == types.BlockAir {
			continue
		}
		for z := 0; z < SizeZ; z++ {
			for x := 0; x < SizeX; x++ {
				c.blocks[index(x, y, z)] = id
			}
		}
	}
	return c
}

// solidCount 非空氣方塊數量
func (c *Chunk) solidCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.blocks {
		if b != types.BlockAir {
			n++
		}
	}
	return n
}

// floorDiv 向負無限大取整的除法
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// floorMod 與 floorDiv 對應的非負餘數
func floorMod(a, b int) int {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

// RegionOf 返回世界座標所在的區塊與區塊內座標
func RegionOf(wx, wz int) (key types.RegionKey, lx, lz int) {
	return types.RegionKey{X: floorDiv(wx, SizeX), Z: floorDiv(wz, SizeZ)}, floorMod(wx, SizeX), floorMod(wz, SizeZ)
}
