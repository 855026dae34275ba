package pipeline

import (
	"hash/maphash"
	"sync"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// shardCount 區塊狀態表的分片數（2 的次方）
const shardCount = 32

// RegionState 單一區塊在管線中的狀態
//
// 所有欄位只能在所屬分片的鎖內讀寫。
type RegionState struct {
	Key       types.RegionKey
	Stage     types.Stage
	Generated *types.GeneratedData
	Lit       *types.LitData
	Mesh      *types.MeshPayload

	// MeshVersion 每次網格完成後遞增，渲染端用來判斷是否需要替換
	MeshVersion uint64

	meshInFlight bool // 該區塊目前有一個 MESHING 任務在佇列或執行中
	dirty        bool // 網格任務執行期間又收到編輯，完成後需要再跑一次
}

// RegionInfo 對外暴露的唯讀摘要
type RegionInfo struct {
	Key          types.RegionKey `json:"key"`
	Stage        types.Stage     `json:"-"`
	StageName    string          `json:"stage"`
	MeshVersion  uint64          `json:"mesh_version"`
	Vertices     int             `json:"vertices"`
	MeshInFlight bool            `json:"mesh_in_flight"`
	Dirty        bool            `json:"dirty"`
}

func (st *RegionState) info() RegionInfo {
	return RegionInfo{
		Key:          st.Key,
		Stage:        st.Stage,
		StageName:    st.Stage.String(),
		MeshVersion:  st.MeshVersion,
		Vertices:     st.Mesh.VertexCount(),
		MeshInFlight: st.meshInFlight,
		Dirty:        st.dirty,
	}
}

type shard struct {
	mu      sync.Mutex
	regions map[types.RegionKey]*RegionState
}

// regionTable 分片的區塊狀態表
//
// 同一個 key 的所有讀改寫都在同一把分片鎖內完成（compute 語義），
// 不同分片的區塊可以並行推進。
type regionTable struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

func newRegionTable() *regionTable {
	t := &regionTable{seed: maphash.MakeSeed()}
	for i := range t.shards {
		t.shards[i].regions = make(map[types.RegionKey]*RegionState)
	}
	return t
}

func (t *regionTable) shardFor(key types.RegionKey) *shard {
	var h maphash.Hash
	h.SetSeed(t.seed)
	var buf [8]byte
	x, z := uint32(int32(key.X)), uint32(int32(key.Z))
	buf[0], buf[1], buf[2], buf[3] = byte(x), byte(x>>8), byte(x>>16), byte(x>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(z), byte(z>>8), byte(z>>16), byte(z>>24)
	_, _ = h.Write(buf[:])
	return &t.shards[h.Sum64()&(shardCount-1)]
}

// compute 在分片鎖內對 key 的狀態執行 fn
//
// fn 收到目前狀態（不存在時為 nil），返回新狀態；返回 nil 表示刪除。
// fn 內不可再存取 regionTable。
func (t *regionTable) compute(key types.RegionKey, fn func(st *RegionState) *RegionState) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.regions[key]
	next := fn(cur)
	if next == nil {
		delete(s.regions, key)
		return
	}
	s.regions[key] = next
}

// get 返回 key 的摘要
func (t *regionTable) get(key types.RegionKey) (RegionInfo, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.regions[key]
	if !ok {
		return RegionInfo{Key: key, Stage: types.StageUnloaded, StageName: types.StageUnloaded.String()}, false
	}
	return st.info(), true
}

// each 依分片順序走訪所有區塊摘要
func (t *regionTable) each(fn func(RegionInfo)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		infos := make([]RegionInfo, 0, len(s.regions))
		for _, st := range s.regions {
			infos = append(infos, st.info())
		}
		s.mu.Unlock()

		for _, info := range infos {
			fn(info)
		}
	}
}
