package pipeline

import (
	"fmt"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// stageJob 一個區塊某個階段的任務
//
// Run 只計算該階段的輸出，再交給 Pipeline.advance 推進狀態並提交下一個任務。
type stageJob struct {
	p     *Pipeline
	key   types.RegionKey
	stage types.Stage
	name  string
}

func newStageJob(p *Pipeline, key types.RegionKey, stage types.Stage) *stageJob {
	return &stageJob{
		p:     p,
		key:   key,
		stage: stage,
		name:  fmt.Sprintf("%s%s", stageVerb(stage), key),
	}
}

// stagePriority 生成為 NEAR，光照與網格會阻擋可見結果，為 CRITICAL
func stagePriority(stage types.Stage) types.Priority {
	if stage == types.StageGenerating {
		return types.PriorityNear
	}
	return types.PriorityCritical
}

func stageVerb(stage types.Stage) string {
	switch stage {
	case types.StageGenerating:
		return "generate"
	case types.StageLighting:
		return "light"
	case types.StageMeshing:
		return "mesh"
	default:
		return stage.String()
	}
}

func (j *stageJob) Priority() types.Priority { return stagePriority(j.stage) }
func (j *stageJob) Name() string             { return j.name }

// Run 執行階段計算；失敗時區塊停在目前階段
func (j *stageJob) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			j.p.stageFailed(j.key, j.stage)
			panic(r)
		}
		if err != nil {
			j.p.stageFailed(j.key, j.stage)
		}
	}()

	out, err := j.compute()
	if err != nil {
		return err
	}
	return j.p.advance(j.key, j.stage, out)
}

func (j *stageJob) compute() (stageOutput, error) {
	gen, lit, err := j.p.inputs(j.key)
	if err != nil {
		return stageOutput{}, err
	}

	switch j.stage {
	case types.StageGenerating:
		g, err := j.p.gen.Generate(j.key)
		if err != nil {
			return stageOutput{}, fmt.Errorf("generate %s: %w", j.key, err)
		}
		return stageOutput{generated: g}, nil

	case types.StageLighting:
		if gen == nil {
			return stageOutput{}, fmt.Errorf("%w: light %s without generated data", ErrMissingInput, j.key)
		}
		l, err := j.p.light.Light(j.key, gen)
		if err != nil {
			return stageOutput{}, fmt.Errorf("light %s: %w", j.key, err)
		}
		return stageOutput{lit: l}, nil

	case types.StageMeshing:
		if lit == nil {
			return stageOutput{}, fmt.Errorf("%w: mesh %s without light data", ErrMissingInput, j.key)
		}
		m, err := j.p.mesh.Mesh(j.key, lit)
		if err != nil {
			return stageOutput{}, fmt.Errorf("mesh %s: %w", j.key, err)
		}
		return stageOutput{mesh: m}, nil
	}
	return stageOutput{}, fmt.Errorf("%w: no job for stage %s", ErrStageMismatch, j.stage)
}
