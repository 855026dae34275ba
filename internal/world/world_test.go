package world

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// 平坦區塊每欄 13 個實心方塊 (y = 0..12)
const flatColumn = grassY + 1

type recordingSink struct {
	mu    sync.Mutex
	calls [][]types.RegionKey
}

func (s *recordingSink) Edit(owner types.RegionKey, touched ...types.RegionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]types.RegionKey{owner}, touched...))
	return 1 + len(touched)
}

type fakeJournal struct {
	calls atomic.Int32
	err   error
}

func (j *fakeJournal) Append(types.BlockPos, types.BlockID) (uint64, error) {
	n := j.calls.Add(1)
	if j.err != nil {
		return 0, j.err
	}
	return uint64(n), nil
}

// ============================================================================
// 座標測試
// ============================================================================

func TestFloorDivMod(t *testing.T) {
	tests := []struct {
		a, div, mod int
	}{
		{0, 0, 0},
		{15, 0, 15},
		{16, 1, 0},
		{-1, -1, 15},
		{-16, -1, 0},
		{-17, -2, 15},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.div, floorDiv(tt.a, 16), "floorDiv(%d)", tt.a)
		assert.Equal(t, tt.mod, floorMod(tt.a, 16), "floorMod(%d)", tt.a)
	}
}

func TestRegionOf(t *testing.T) {
	key, lx, lz := RegionOf(-1, 33)
	assert.Equal(t, types.RegionKey{X: -1, Z: 2}, key)
	assert.Equal(t, 15, lx)
	assert.Equal(t, 1, lz)
}

// ============================================================================
// 管線協作者測試
// ============================================================================

func TestGenerateFlat(t *testing.T) {
	w := New(Options{})
	key := types.RegionKey{X: 2, Z: -3}

	gen, err := w.Generate(key)
	require.NoError(t, err)
	assert.Equal(t, key, gen.Key)
	assert.Equal(t, flatColumn*SizeX*SizeZ, gen.Blocks)

	bx, bz := key.X*SizeX, key.Z*SizeZ
	assert.Equal(t, types.BlockStone, w.GetBlock(bx, 0, bz))
	assert.Equal(t, types.BlockDirt, w.GetBlock(bx+3, 10, bz+7))
	assert.Equal(t, types.BlockGrass, w.GetBlock(bx+15, grassY, bz+15))
	assert.Equal(t, types.BlockAir, w.GetBlock(bx, grassY+1, bz))
	assert.True(t, w.Loaded(key))
}

// TestGenerateLoadedRegionReusesChunk 已載入的區塊不重新建立地形
func TestGenerateLoadedRegionReusesChunk(t *testing.T) {
	w := New(Options{})
	key := types.RegionKey{X: 1}
	_, err := w.Generate(key)
	require.NoError(t, err)
	c := w.chunk(key)
	require.NotNil(t, c)

	allocs := testing.AllocsPerRun(20, func() {
		_, _ = w.Generate(key)
	})
	// 只剩返回的 GeneratedData
	assert.LessOrEqual(t, allocs, 1.0)
	assert.Same(t, c, w.chunk(key))
}

// TestGenerateAppliesOverlay 生成前的編輯在生成後依然存在
func TestGenerateAppliesOverlay(t *testing.T) {
	w := New(Options{})
	w.ApplyEdit(types.BlockPos{X: 5, Y: 40, Z: 5}, types.BlockStone)
	w.ApplyEdit(types.BlockPos{X: 6, Y: grassY, Z: 5}, types.BlockAir)
	// 其他區塊的編輯不影響
	w.ApplyEdit(types.BlockPos{X: 100, Y: 40, Z: 5}, types.BlockStone)

	gen, err := w.Generate(types.RegionKey{})
	require.NoError(t, err)
	assert.Equal(t, flatColumn*SizeX*SizeZ, gen.Blocks)
	assert.Equal(t, types.BlockStone, w.GetBlock(5, 40, 5))
	assert.Equal(t, types.BlockAir, w.GetBlock(6, grassY, 5))
}

func TestLightSkylight(t *testing.T) {
	w := New(Options{})
	key := types.RegionKey{}
	gen, err := w.Generate(key)
	require.NoError(t, err)
	w.ApplyEdit(types.BlockPos{X: 3, Y: 50, Z: 4}, types.BlockStone)

	lit, err := w.Light(key, gen)
	require.NoError(t, err)
	require.Len(t, lit.Skylight, SizeX*SizeZ)
	assert.Equal(t, flatColumn, lit.Skylight[0])
	assert.Equal(t, 51, lit.Skylight[3+4*SizeX])
}

func TestLightNotLoaded(t *testing.T) {
	w := New(Options{})
	_, err := w.Light(types.RegionKey{X: 9}, nil)
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = w.Mesh(types.RegionKey{X: 9}, nil)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

// TestMeshFlatIsolated 未載入的鄰居視為空氣：頂面、底面與四個側面都輸出
func TestMeshFlatIsolated(t *testing.T) {
	w := New(Options{})
	key := types.RegionKey{}
	gen, err := w.Generate(key)
	require.NoError(t, err)
	lit, err := w.Light(key, gen)
	require.NoError(t, err)

	mesh, err := w.Mesh(key, lit)
	require.NoError(t, err)

	faces := 2*SizeX*SizeZ + 4*SizeX*flatColumn
	assert.Equal(t, faces*4, mesh.VertexCount())
	assert.Len(t, mesh.Indices, faces*6)
}

// TestMeshCullsAgainstLoadedNeighbor 已載入的鄰居會剔除共享邊界上的面
func TestMeshCullsAgainstLoadedNeighbor(t *testing.T) {
	w := New(Options{})
	key := types.RegionKey{}
	_, err := w.Generate(key)
	require.NoError(t, err)
	_, err = w.Generate(key.Neighbor(1, 0))
	require.NoError(t, err)

	mesh, err := w.Mesh(key, nil)
	require.NoError(t, err)

	faces := 2*SizeX*SizeZ + 3*SizeX*flatColumn
	assert.Equal(t, faces*4, mesh.VertexCount())
}

// TestMeshShadesCoveredFaces 位於天空光照高度以下的面較暗
func TestMeshShadesCoveredFaces(t *testing.T) {
	w := New(Options{})
	key := types.RegionKey{}
	_, err := w.Generate(key)
	require.NoError(t, err)
	// 在 (5,5) 上方架一個懸空方塊，讓 (5,12) 的頂面被遮住
	w.ApplyEdit(types.BlockPos{X: 5, Y: 20, Z: 5}, types.BlockStone)
	lit, err := w.Light(key, nil)
	require.NoError(t, err)

	mesh, err := w.Mesh(key, lit)
	require.NoError(t, err)

	grass := colorFor(types.BlockGrass)
	dark := shade(grass, shadeFactor)
	var shaded int
	for i := 0; i < len(mesh.Vertices); i += 6 {
		if mesh.Vertices[i+3] == dark[0] && mesh.Vertices[i+4] == dark[1] && mesh.Vertices[i+5] == dark[2] {
			shaded++
		}
	}
	assert.Equal(t, 4, shaded)
}

// ============================================================================
// 編輯測試
// ============================================================================

func TestSetBlockNotifiesOwnerAndBorderNeighbors(t *testing.T) {
	w := New(Options{})
	sink := &recordingSink{}
	w.SetEditSink(sink)

	tests := []struct {
		name      string
		x, z      int
		wantCalls []types.RegionKey
	}{
		{"interior", 5, 5, []types.RegionKey{{X: 0, Z: 0}}},
		{"west border", 0, 5, []types.RegionKey{{X: 0, Z: 0}, {X: -1, Z: 0}}},
		{"east border", 15, 5, []types.RegionKey{{X: 0, Z: 0}, {X: 1, Z: 0}}},
		{"negative corner", -1, -1, []types.RegionKey{{X: -1, Z: -1}, {X: 0, Z: -1}, {X: -1, Z: 0}}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := w.SetBlock(tt.x, 30, tt.z, types.BlockStone)
			require.NoError(t, err)
			assert.Equal(t, len(tt.wantCalls), n)
			require.Len(t, sink.calls, i+1)
			assert.Equal(t, tt.wantCalls, sink.calls[i])
		})
	}
}

func TestSetBlockUpdatesLoadedChunk(t *testing.T) {
	w := New(Options{})
	_, err := w.Generate(types.RegionKey{})
	require.NoError(t, err)

	_, err = w.SetBlock(4, grassY, 4, types.BlockAir)
	require.NoError(t, err)
	assert.False(t, w.IsSolid(4, grassY, 4))
	assert.Len(t, w.Edits(), 1)
}

func TestSetBlockOutOfBounds(t *testing.T) {
	w := New(Options{})
	_, err := w.SetBlock(0, SizeY, 0, types.BlockStone)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = w.SetBlock(0, -1, 0, types.BlockStone)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Empty(t, w.Edits())
}

func TestSetBlockJournals(t *testing.T) {
	j := &fakeJournal{}
	w := New(Options{Journal: j})

	for i := 0; i < 3; i++ {
		_, err := w.SetBlock(i, 20, 0, types.BlockDirt)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), j.calls.Load())
	assert.Equal(t, uint64(3), w.Stats().JournalWrites)
}

// TestJournalBreakerOpens 連續寫入失敗後斷路器打開，編輯依然生效
func TestJournalBreakerOpens(t *testing.T) {
	j := &fakeJournal{err: errors.New("disk full")}
	w := New(Options{Journal: j, BreakerFailures: 2})

	for i := 0; i < 5; i++ {
		_, err := w.SetBlock(i, 20, 0, types.BlockDirt)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), j.calls.Load(), "breaker should stop calling the journal")
	stats := w.Stats()
	assert.Equal(t, uint64(5), stats.JournalDropped)
	assert.Equal(t, "open", stats.BreakerState)
	assert.Equal(t, 5, stats.Edits)
}

func TestConcurrentEditsAndGenerate(t *testing.T) {
	w := New(Options{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < SizeX; i++ {
				_, _ = w.SetBlock(i, 60+g, i, types.BlockStone)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = w.Generate(types.RegionKey{})
	}()
	wg.Wait()

	// 不論生成與編輯的先後，所有編輯都可見
	for g := 0; g < 4; g++ {
		for i := 0; i < SizeX; i++ {
			assert.Equal(t, types.BlockStone, w.GetBlock(i, 60+g, i))
		}
	}
}
