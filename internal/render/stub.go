package render

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// ChunkRequester 依攝影機位置請求區塊（pipeline.Pipeline）
type ChunkRequester interface {
	RequestInitialChunks(originX, originZ, radius int) int
}

// BlockEditor 修改方塊（world.World）
type BlockEditor interface {
	SetBlock(wx, wy, wz int, id types.BlockID) (int, error)
}

// StubOptions 無頭渲染器參數
type StubOptions struct {
	// ViewRadius 攝影機周圍請求的區塊半徑
	ViewRadius int
	// RegionSize 區塊邊長（世界座標）
	RegionSize int
	// Speed 攝影機每幀移動的世界單位
	Speed float64
	// EditEvery 每隔幾幀發出一次編輯；0 表示不編輯
	EditEvery int
	// EditY 編輯高度
	EditY int
	// FrameCost 模擬的每幀 GPU 成本（忙等）
	FrameCost time.Duration
	// MaxFrames 幾幀後要求關閉；0 表示不限制
	MaxFrames uint64
	Seed      int64
}

// StubStats 無頭渲染器統計
type StubStats struct {
	Frames     uint64  `json:"frames"`
	Bound      int     `json:"bound"`
	Binds      int     `json:"binds"`
	Rebinds    int     `json:"rebinds"`
	Vertices   int     `json:"vertices"`
	Edits      int     `json:"edits"`
	CameraX    float64 `json:"camera_x"`
	CameraZ    float64 `json:"camera_z"`
	Requested  int     `json:"requested"`
	EditErrors int     `json:"edit_errors"`
}

// StubRenderer 不使用 GPU 的渲染器：攝影機漫遊並請求區塊，偶爾修改方塊
type StubRenderer struct {
	opts   StubOptions
	chunks ChunkRequester
	editor BlockEditor
	rng    *rand.Rand

	mu          sync.Mutex
	initialized bool
	closed      bool
	frames      uint64
	heading     float64
	camX, camZ  float64
	lastRegion  types.RegionKey
	meshes      map[types.RegionKey]int
	stats       StubStats
}

// NewStubRenderer 建立無頭渲染器；editor 可以為 nil
func NewStubRenderer(opts StubOptions, chunks ChunkRequester, editor BlockEditor) *StubRenderer {
	if opts.RegionSize <= 0 {
		opts.RegionSize = 16
	}
	if opts.ViewRadius < 0 {
		opts.ViewRadius = 0
	}
	return &StubRenderer{
		opts:   opts,
		chunks: chunks,
		editor: editor,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		meshes: make(map[types.RegionKey]int),
	}
}

// Init 請求攝影機起點周圍的區塊
func (s *StubRenderer) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.initialized = true
	s.lastRegion = s.regionOf(s.camX, s.camZ)
	s.request()
	log.Info("Stub renderer initialized", "view_radius", s.opts.ViewRadius)
	return nil
}

// ShouldClose 達到 MaxFrames 或 Shutdown 之後為 true
func (s *StubRenderer) ShouldClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || (s.opts.MaxFrames > 0 && s.frames >= s.opts.MaxFrames)
}

// PollInput 移動攝影機；跨越區塊邊界時請求新的區塊，並依頻率發出編輯
func (s *StubRenderer) PollInput() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 緩慢轉向的漫遊
	s.heading += (s.rng.Float64() - 0.5) * 0.2
	s.camX += math.Cos(s.heading) * s.opts.Speed
	s.camZ += math.Sin(s.heading) * s.opts.Speed

	if r := s.regionOf(s.camX, s.camZ); r != s.lastRegion {
		s.lastRegion = r
		s.request()
	}

	if s.editor != nil && s.opts.EditEvery > 0 && s.frames > 0 && s.frames%uint64(s.opts.EditEvery) == 0 {
		s.edit()
	}
}

// Bind 記錄綁定的網格；同一區塊再次綁定時取代舊的網格
func (s *StubRenderer) Bind(item types.UploadItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.meshes[item.Key]; ok {
		s.stats.Vertices -= old
		s.stats.Rebinds++
	}
	s.stats.Binds++
	n := item.Mesh.VertexCount()
	s.meshes[item.Key] = n
	s.stats.Vertices += n
}

// RenderFrame 忙等 FrameCost 模擬繪製
func (s *StubRenderer) RenderFrame() {
	if s.opts.FrameCost > 0 {
		deadline := time.Now().Add(s.opts.FrameCost)
		for time.Now().Before(deadline) {
		}
	}
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

// Shutdown 釋放綁定的網格
func (s *StubRenderer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	log.Info("Stub renderer shut down", "frames", s.frames, "meshes", len(s.meshes))
	s.meshes = make(map[types.RegionKey]int)
	s.stats.Vertices = 0
}

// Stats 返回統計
func (s *StubRenderer) Stats() StubStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Frames = s.frames
	st.Bound = len(s.meshes)
	st.CameraX, st.CameraZ = s.camX, s.camZ
	return st
}

// request 呼叫者持有 s.mu
func (s *StubRenderer) request() {
	if s.chunks == nil {
		return
	}
	s.stats.Requested += s.chunks.RequestInitialChunks(s.lastRegion.X, s.lastRegion.Z, s.opts.ViewRadius)
}

// edit 在攝影機附近放置或移除一個方塊（呼叫者持有 s.mu）
func (s *StubRenderer) edit() {
	wx := int(math.Floor(s.camX)) + s.rng.Intn(9) - 4
	wz := int(math.Floor(s.camZ)) + s.rng.Intn(9) - 4
	id := types.BlockStone
	if s.rng.Intn(2) == 0 {
		id = types.BlockAir
	}
	if _, err := s.editor.SetBlock(wx, s.opts.EditY, wz, id); err != nil {
		s.stats.EditErrors++
		log.Warn("Stub edit failed", "x", wx, "y", s.opts.EditY, "z", wz, "error", err)
		return
	}
	s.stats.Edits++
}

func (s *StubRenderer) regionOf(x, z float64) types.RegionKey {
	size := float64(s.opts.RegionSize)
	return types.RegionKey{X: int(math.Floor(x / size)), Z: int(math.Floor(z / size))}
}
