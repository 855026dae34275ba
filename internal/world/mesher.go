package world

import (
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// 六個面的法向量
var faceDirs = [6][3]int{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}

// 沒有天空光照的面使用的亮度
const shadeFactor = 0.55

func colorFor(id types.BlockID) [3]float32 {
	switch id {
	case types.BlockGrass:
		return [3]float32{0.2, 0.8, 0.2}
	case types.BlockDirt:
		return [3]float32{0.5, 0.35, 0.2}
	case types.BlockStone:
		return [3]float32{0.6, 0.6, 0.65}
	default:
		return [3]float32{1, 1, 1}
	}
}

// meshBuilder 累積頂點（xyz rgb）與三角形索引
type meshBuilder struct {
	vertices []float32
	indices  []uint32
}

func (b *meshBuilder) pushVertex(x, y, z float32, c [3]float32) {
	b.vertices = append(b.vertices, x, y, z, c[0], c[1], c[2])
}

// emitFace 以方塊中心為基準輸出一個面（4 頂點、2 三角形）
func (b *meshBuilder) emitFace(wx, wy, wz int, n [3]int, c [3]float32) {
	const s = 0.5
	x, y, z := float32(wx)+s, float32(wy)+s, float32(wz)+s

	var u, v [3]float32
	switch {
	case n[0] != 0:
		u, v = [3]float32{0, 1, 0}, [3]float32{0, 0, 1}
	case n[1] != 0:
		u, v = [3]float32{1, 0, 0}, [3]float32{0, 0, 1}
	default:
		u, v = [3]float32{1, 0, 0}, [3]float32{0, 1, 0}
	}

	fx, fy, fz := x+float32(n[0])*s, y+float32(n[1])*s, z+float32(n[2])*s
	base := uint32(len(b.vertices) / 6)

	b.pushVertex(fx-u[0]*s-v[0]*s, fy-u[1]*s-v[1]*s, fz-u[2]*s-v[2]*s, c)
	b.pushVertex(fx+u[0]*s-v[0]*s, fy+u[1]*s-v[1]*s, fz+u[2]*s-v[2]*s, c)
	b.pushVertex(fx+u[0]*s+v[0]*s, fy+u[1]*s+v[1]*s, fz+u[2]*s+v[2]*s, c)
	b.pushVertex(fx-u[0]*s+v[0]*s, fy-u[1]*s+v[1]*s, fz-u[2]*s+v[2]*s, c)

	b.indices = append(b.indices, base, base+1, base+2, base, base+2, base+3)
}

func (b *meshBuilder) payload() *types.MeshPayload {
	return &types.MeshPayload{Vertices: b.vertices, Indices: b.indices}
}

func shade(c [3]float32, f float32) [3]float32 {
	return [3]float32{c[0] * f, c[1] * f, c[2] * f}
}
