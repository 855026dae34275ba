// ============================================================================
// Voxel-Pipeline 區塊管線 - 階段狀態機
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 追蹤每個區塊的階段，並在階段完成時提交下一階段的任務
//
// 狀態轉換 (State Machine):
//   UNLOADED
//      ↓ Schedule()                  → 提交 generate 任務 (NEAR)
//   GENERATING
//      ↓ generate 完成 → advance()   → 提交 light 任務 (CRITICAL)
//   LIGHTING
//      ↓ light 完成 → advance()      → 提交 mesh 任務 (CRITICAL)
//   MESHING
//      ↓ mesh 完成 → advance()       → UploadQueue.Push（在分片鎖內）
//   READY
//      ↺ Edit()/Remesh()             → 提交 mesh 任務 (CRITICAL)，階段維持 READY
//
// 接續式推進:
//   階段任務只負責計算輸出，不碰狀態表。計算完成後由 advance() 在分片鎖內
//   一次完成「附加輸出 + 前進階段 + 提交下一個任務」，因此同一區塊的
//   階段序列嚴格遞增、不重複、不跳過。
//
// 編輯重新網格化:
//   - 區塊不存在：擁有者區塊改為 Schedule()，鄰居忽略
//   - GENERATING / LIGHTING：忽略，後續的 MESHING 會讀到編輯後的資料
//   - MESHING / READY 且沒有網格任務在途：提交新的 CRITICAL mesh 任務
//   - 已有網格任務在途：標記 dirty，完成時再補一次
//   每個區塊同時最多只有一個 mesh 任務在途。
//
// 失敗:
//   階段任務失敗不重試，區塊停在失敗前的階段。mesh 失敗會清除在途旗標，
//   之後的編輯仍可重新觸發網格化。
//
// ============================================================================

package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/voxel-pipeline/internal/jobqueue"
	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/metrics"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("pipeline")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownRegion 區塊不在狀態表中
	ErrUnknownRegion = errors.New("unknown region")
	// ErrStageMismatch 階段任務完成時，區塊不在預期的階段
	ErrStageMismatch = errors.New("region stage mismatch")
	// ErrMissingInput 前一階段的輸出不存在
	ErrMissingInput = errors.New("stage input missing")
)

// ============================================================================
// 協作者介面
// ============================================================================

// Generator 產生區塊地形
type Generator interface {
	Generate(key types.RegionKey) (*types.GeneratedData, error)
}

// Lighter 計算區塊光照
type Lighter interface {
	Light(key types.RegionKey, gen *types.GeneratedData) (*types.LitData, error)
}

// Mesher 建構區塊網格（讀取當下的方塊資料，包含編輯）
type Mesher interface {
	Mesh(key types.RegionKey, lit *types.LitData) (*types.MeshPayload, error)
}

// Submitter 任務提交端（jobqueue.Queue）
type Submitter interface {
	Submit(job jobqueue.Job) (*jobqueue.ScheduledJob, error)
}

// Config 管線依賴
type Config struct {
	Queue     Submitter
	Generator Generator
	Lighter   Lighter
	Mesher    Mesher
	Uploads   *UploadQueue
	Metrics   *metrics.Collector
}

// Stats 管線計數
type Stats struct {
	Regions        int            `json:"regions"`
	ByStage        map[string]int `json:"by_stage"`
	Scheduled      uint64         `json:"scheduled"`
	MeshJobs       uint64         `json:"mesh_jobs"`
	Coalesced      uint64         `json:"coalesced_edits"`
	Absorbed       uint64         `json:"absorbed_edits"`
	Uploads        uint64         `json:"uploads"`
	PendingUploads int            `json:"pending_uploads"`
	Failed         uint64         `json:"failed"`
}

// Pipeline 區塊管線協調者
type Pipeline struct {
	regions *regionTable
	queue   Submitter
	gen     Generator
	light   Lighter
	mesh    Mesher
	uploads *UploadQueue
	metrics *metrics.Collector

	scheduled atomic.Uint64
	meshJobs  atomic.Uint64
	coalesced atomic.Uint64
	absorbed  atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// New 建立管線
func New(cfg Config) (*Pipeline, error) {
	if cfg.Queue == nil || cfg.Generator == nil || cfg.Lighter == nil || cfg.Mesher == nil {
		return nil, errors.New("pipeline requires a queue and all stage collaborators")
	}
	uploads := cfg.Uploads
	if uploads == nil {
		uploads = NewUploadQueue()
	}
	return &Pipeline{
		regions: newRegionTable(),
		queue:   cfg.Queue,
		gen:     cfg.Generator,
		light:   cfg.Lighter,
		mesh:    cfg.Mesher,
		uploads: uploads,
		metrics: cfg.Metrics,
	}, nil
}

// Uploads 返回網格交接佇列
func (p *Pipeline) Uploads() *UploadQueue {
	return p.uploads
}

// ============================================================================
// 排程
// ============================================================================

// Schedule 讓 UNLOADED 區塊進入 GENERATING 並提交生成任務
//
// 返回值：
//   - bool: 區塊是否為新排程（已存在的區塊返回 false）
func (p *Pipeline) Schedule(key types.RegionKey) bool {
	scheduled := false
	p.regions.compute(key, func(st *RegionState) *RegionState {
		if st != nil {
			return st
		}
		st = &RegionState{Key: key, Stage: types.StageGenerating}
		if err := p.submit(key, types.StageGenerating); err != nil {
			// 佇列已關閉：保持 UNLOADED
			return nil
		}
		scheduled = true
		return st
	})

	if scheduled {
		p.scheduled.Add(1)
		p.metrics.RecordStage(types.StageGenerating)
	}
	return scheduled
}

// RequestInitialChunks 排程以 (originX, originZ) 為中心、半徑 radius 的正方形範圍
//
// 返回值：
//   - int: 新排程的區塊數
func (p *Pipeline) RequestInitialChunks(originX, originZ, radius int) int {
	if radius < 0 {
		return 0
	}
	n := 0
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			if p.Schedule(types.RegionKey{X: originX + dx, Z: originZ + dz}) {
				n++
			}
		}
	}
	return n
}

// Edit 處理一次方塊編輯：owner 是方塊所在區塊，touched 是共享邊界的鄰居
//
// 返回值：
//   - int: 這次提交的 mesh 任務數
func (p *Pipeline) Edit(owner types.RegionKey, touched ...types.RegionKey) int {
	n := 0
	if _, ok := p.regions.get(owner); !ok {
		p.Schedule(owner)
	} else if p.remesh(owner) {
		n++
	}
	for _, key := range touched {
		if key == owner {
			continue
		}
		if p.remesh(key) {
			n++
		}
	}
	return n
}

// Remesh 對每個已載入的區塊強制重新網格化；未載入的區塊忽略
//
// 返回值：
//   - int: 這次提交的 mesh 任務數
func (p *Pipeline) Remesh(keys ...types.RegionKey) int {
	n := 0
	for _, key := range keys {
		if p.remesh(key) {
			n++
		}
	}
	return n
}

// remesh 返回是否提交了新的 mesh 任務
func (p *Pipeline) remesh(key types.RegionKey) bool {
	submitted := false
	p.regions.compute(key, func(st *RegionState) *RegionState {
		if st == nil {
			return nil
		}
		switch st.Stage {
		case types.StageGenerating, types.StageLighting:
			p.absorbed.Add(1)
		case types.StageMeshing, types.StageReady:
			if st.Lit == nil {
				// 光照失敗後留下的區塊沒有輸入可用
				p.absorbed.Add(1)
				break
			}
			if st.meshInFlight {
				st.dirty = true
				p.coalesced.Add(1)
				break
			}
			if err := p.submit(key, types.StageMeshing); err != nil {
				break
			}
			st.meshInFlight = true
			submitted = true
		}
		return st
	})
	return submitted
}

// ============================================================================
// 階段推進
// ============================================================================

// stageOutput 階段任務的計算結果
type stageOutput struct {
	generated *types.GeneratedData
	lit       *types.LitData
	mesh      *types.MeshPayload
}

// advance 在分片鎖內附加 from 階段的輸出、前進階段並提交下一個任務
func (p *Pipeline) advance(key types.RegionKey, from types.Stage, out stageOutput) error {
	var (
		err       error
		entered   types.Stage = -1
		published bool
	)

	p.regions.compute(key, func(st *RegionState) *RegionState {
		if st == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownRegion, key)
			return nil
		}

		switch from {
		case types.StageGenerating:
			if st.Stage != types.StageGenerating {
				err = fmt.Errorf("%w: %s at %s, completed %s", ErrStageMismatch, key, st.Stage, from)
				return st
			}
			st.Generated = out.generated
			st.Stage = from.Next()
			entered = st.Stage
			if subErr := p.submit(key, types.StageLighting); subErr != nil {
				err = subErr
			}

		case types.StageLighting:
			if st.Stage != types.StageLighting {
				err = fmt.Errorf("%w: %s at %s, completed %s", ErrStageMismatch, key, st.Stage, from)
				return st
			}
			st.Lit = out.lit
			st.Stage = from.Next()
			entered = st.Stage
			if subErr := p.submit(key, types.StageMeshing); subErr != nil {
				err = subErr
				return st
			}
			st.meshInFlight = true

		case types.StageMeshing:
			if st.Stage != types.StageMeshing && st.Stage != types.StageReady {
				err = fmt.Errorf("%w: %s at %s, completed %s", ErrStageMismatch, key, st.Stage, from)
				return st
			}
			st.Mesh = out.mesh
			st.MeshVersion++
			st.meshInFlight = false
			if st.Stage == types.StageMeshing {
				st.Stage = from.Next()
				entered = st.Stage
			}
			// 先推入再提交下一個 mesh 任務，同一區塊的網格依版本順序進入佇列
			p.uploads.Push(types.UploadItem{Key: key, Mesh: out.mesh, Version: st.MeshVersion})
			published = true

			if st.dirty {
				st.dirty = false
				if subErr := p.submit(key, types.StageMeshing); subErr == nil {
					st.meshInFlight = true
				}
			}

		default:
			err = fmt.Errorf("%w: no stage follows %s", ErrStageMismatch, from)
		}
		return st
	})

	if entered >= 0 {
		p.metrics.RecordStage(entered)
	}
	if published {
		p.published.Add(1)
	}
	return err
}

// stageFailed 記錄階段失敗；mesh 失敗時清除在途旗標，讓之後的編輯可以再試
func (p *Pipeline) stageFailed(key types.RegionKey, stage types.Stage) {
	p.failed.Add(1)
	if stage != types.StageMeshing {
		return
	}
	p.regions.compute(key, func(st *RegionState) *RegionState {
		if st != nil {
			st.meshInFlight = false
			st.dirty = false
		}
		return st
	})
}

// inputs 在分片鎖內讀取階段任務的輸入
func (p *Pipeline) inputs(key types.RegionKey) (gen *types.GeneratedData, lit *types.LitData, err error) {
	p.regions.compute(key, func(st *RegionState) *RegionState {
		if st == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownRegion, key)
			return nil
		}
		gen, lit = st.Generated, st.Lit
		return st
	})
	return gen, lit, err
}

// submit 為 key 提交 stage 的任務（呼叫者通常持有分片鎖）
func (p *Pipeline) submit(key types.RegionKey, stage types.Stage) error {
	if _, err := p.queue.Submit(newStageJob(p, key, stage)); err != nil {
		log.Debug("Stage job not submitted", "region", key, "stage", stage, "error", err)
		return err
	}
	if stage == types.StageMeshing {
		p.meshJobs.Add(1)
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// StageOf 返回區塊目前的階段；不存在時為 StageUnloaded
func (p *Pipeline) StageOf(key types.RegionKey) types.Stage {
	info, _ := p.regions.get(key)
	return info.Stage
}

// Region 返回區塊摘要
func (p *Pipeline) Region(key types.RegionKey) (RegionInfo, bool) {
	return p.regions.get(key)
}

// Regions 返回所有區塊摘要（順序不固定）
func (p *Pipeline) Regions() []RegionInfo {
	var out []RegionInfo
	p.regions.each(func(info RegionInfo) {
		out = append(out, info)
	})
	return out
}

// Stats 返回管線計數
func (p *Pipeline) Stats() Stats {
	s := Stats{
		ByStage:   make(map[string]int),
		Scheduled: p.scheduled.Load(),
		MeshJobs:  p.meshJobs.Load(),
		Coalesced: p.coalesced.Load(),
		Absorbed:  p.absorbed.Load(),
		Uploads:   p.published.Load(),
		Failed:    p.failed.Load(),
	}
	s.PendingUploads = p.uploads.Len()
	p.regions.each(func(info RegionInfo) {
		s.Regions++
		s.ByStage[info.StageName]++
	})
	return s
}
