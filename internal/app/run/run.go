// Package run 是处理管道的编排层：metadata 加载 → acquire → segment →
// pose → join，阶段间全量物化，阶段内按 video 并发。
package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/config"
	"github.com/John-Robertt/waslp/internal/domain"
	"github.com/John-Robertt/waslp/internal/fetch"
	"github.com/John-Robertt/waslp/internal/infra/httpx"
	"github.com/John-Robertt/waslp/internal/join"
	"github.com/John-Robertt/waslp/internal/metadata"
	"github.com/John-Robertt/waslp/internal/pose"
	"github.com/John-Robertt/waslp/internal/segment"
)

// Deps 是管道的外部协作者。零值字段使用真实实现（ffmpeg/openpose），
// 测试通过注入 stub 把外部进程与网络隔离掉。
type Deps struct {
	Registry fetch.Registry

	// SegmentRun 非空时替换 ffmpeg 调用（测试注入）。
	SegmentRun segment.RunFunc
	// PoseRunner 非空时替换 openpose 调用（测试注入）。
	PoseRunner pose.Runner

	Log hclog.Logger
}

// Execute 执行一次 run（dry-run/apply），并返回对外稳定的 RunReport。
// 该函数尽量把错误“降级”为 item 级失败（单条失败不影响其他）。
func Execute(ctx context.Context, eff config.EffectiveConfig, deps Deps) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, deps, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, deps Deps, obs Observer) domain.RunReport {
	started := time.Now().UTC()

	if obs != nil {
		obs.OnStart(eff)
	}

	log := deps.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	rr := domain.RunReport{
		Path:      eff.Path,
		DryRun:    !eff.Apply,
		StartedAt: started,
		Items:     make([]domain.ItemResult, 0, 128),
	}
	finish := func() domain.RunReport {
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	// metadata：canonical 产物是所有阶段的输入，缺失/损坏直接终止。
	metadataDir := filepath.Join(eff.Path, "metadata")
	loadStarted := time.Now()
	entries, err := metadata.Load(filepath.Join(metadataDir, metadata.ArtifactName))
	if err != nil {
		code := metadata.Code(err)
		if code == "" {
			code = domain.ErrCodeIOFailed
		}
		rr.Items = append(rr.Items, syntheticFailed(domain.StageMetadata, code, err.Error()))
		return finish()
	}
	idx := metadata.NewIndex(entries, log)

	if obs != nil {
		obs.OnStageDone(domain.StageMetadata, map[string]any{
			"entries": len(entries),
			"videos":  len(idx.VideoIDs()),
		}, time.Since(loadStarted))
	}

	p := pipeline{
		eff:         eff,
		index:       idx,
		reg:         deps.Registry,
		log:         log,
		videosDir:   filepath.Join(eff.Path, "videos"),
		posesDir:    filepath.Join(eff.Path, "poses"),
		metadataDir: metadataDir,
	}

	// HTTP 客户端只在 apply + acquire 时构建；dry-run 不应触碰网络栈。
	if eff.Apply && eff.HasStage(domain.StageAcquire) {
		pages, perr := httpx.NewPageClient(eff.ProxyURL)
		if perr != nil {
			rr.Items = append(rr.Items, syntheticFailed(domain.StageAcquire, domain.ErrCodeConfigInvalid, fmt.Sprintf("proxy.url 无效：%v", perr)))
			return finish()
		}
		downloads, derr := httpx.NewDownloadClient(eff.ProxyURL)
		if derr != nil {
			rr.Items = append(rr.Items, syntheticFailed(domain.StageAcquire, domain.ErrCodeConfigInvalid, fmt.Sprintf("proxy.url 无效：%v", derr)))
			return finish()
		}
		p.pages, p.downloads = pages, downloads
	}

	p.seg = segment.New(eff.FFmpeg, log)
	if deps.SegmentRun != nil {
		p.seg.Run = deps.SegmentRun
	}
	runner := deps.PoseRunner
	if runner == nil {
		runner = pose.OpenPose{Bin: eff.OpenPose, Log: log}
	}
	p.extractor = pose.Extractor{Runner: runner, Log: log}

	ids := idx.VideoIDs()
	for _, stage := range eff.Stages {
		switch stage {
		case domain.StageAcquire, domain.StageSegment, domain.StagePose:
			stageStarted := time.Now()
			items := runOverVideos(eff.Concurrency, ids, obs, func(id string) []domain.ItemResult {
				switch stage {
				case domain.StageAcquire:
					return p.acquireOne(ctx, id)
				case domain.StageSegment:
					return p.segmentOne(ctx, id)
				default:
					return p.poseOne(ctx, id)
				}
			})
			rr.Items = append(rr.Items, items...)
			if obs != nil {
				obs.OnStageDone(stage, map[string]any{
					"videos": len(ids),
					"items":  len(items),
				}, time.Since(stageStarted))
			}

		case domain.StageJoin:
			stageStarted := time.Now()
			it := p.joinAll()
			rr.Items = append(rr.Items, it)
			if obs != nil {
				obs.OnStageDone(stage, map[string]any{
					"status": it.Status,
				}, time.Since(stageStarted))
			}
		}
	}

	return finish()
}

type pipeline struct {
	eff   config.EffectiveConfig
	index metadata.Index
	reg   fetch.Registry
	log   hclog.Logger

	videosDir   string
	posesDir    string
	metadataDir string

	pages     *http.Client
	downloads *http.Client

	seg       segment.Segmenter
	extractor pose.Extractor
}

type videoResult struct {
	items []domain.ItemResult
	dur   time.Duration
}

// runOverVideos 把 fn 应用到每个 video（worker pool；workers 来自配置，
// 已被 config 层截断到 [1,8]）。一个 video 可能产出多条 item。
func runOverVideos(workers int, ids []string, obs Observer, fn func(id string) []domain.ItemResult) []domain.ItemResult {
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	results := make(chan videoResult, len(ids))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				oneStarted := time.Now()
				items := fn(id)
				results <- videoResult{items: items, dur: time.Since(oneStarted)}
			}
		}()
	}

	go func() {
		for _, id := range ids {
			jobs <- id
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make([]domain.ItemResult, 0, len(ids))
	done := 0
	for r := range results {
		done++
		out = append(out, r.items...)
		if obs != nil {
			for _, it := range r.items {
				obs.OnItemDone(done, len(ids), it, r.dur)
			}
		}
	}
	return out
}

// acquireOne：acquire 阶段每个 video 一条 item（Word 为空）。
func (p pipeline) acquireOne(ctx context.Context, id string) []domain.ItemResult {
	it := domain.ItemResult{
		VideoID: id,
		Stage:   domain.StageAcquire,
		Output:  p.rel(fetch.VideoPath(p.videosDir, id)),
	}

	if !p.eff.Apply {
		// dry-run：若文件已在则标 skipped（与 apply 的幂等判断一致），否则 planned。
		if _, err := os.Stat(fetch.VideoPath(p.videosDir, id)); err == nil {
			it.Status = domain.StatusSkipped
		} else {
			it.Status = domain.StatusPlanned
		}
		return []domain.ItemResult{it}
	}

	_, reused, err := fetch.EnsureVideo(ctx, p.reg, p.eff.Provider, id, p.videosDir, p.pages, p.downloads, p.log)
	if err != nil {
		it.Status = domain.StatusFailed
		it.ErrorCode = domain.ErrCodeFetchFailed
		it.ErrorMsg = err.Error()
		it.Output = ""
		return []domain.ItemResult{it}
	}
	if reused {
		it.Status = domain.StatusSkipped
	} else {
		it.Status = domain.StatusProcessed
	}
	return []domain.ItemResult{it}
}

// segmentOne：segment 阶段每个 (video, word) 一条 item。
func (p pipeline) segmentOne(ctx context.Context, id string) []domain.ItemResult {
	spans := p.index.WordTimestamps(id)
	if len(spans) == 0 {
		return nil
	}

	words := make([]string, 0, len(spans))
	for w := range spans {
		words = append(words, w)
	}
	sort.Strings(words)

	if !p.eff.Apply {
		out := make([]domain.ItemResult, 0, len(words))
		for _, w := range words {
			it := domain.ItemResult{
				VideoID: id,
				Word:    w,
				Stage:   domain.StageSegment,
				Output:  p.rel(filepath.Join(p.videosDir, domain.ClipStem(id, w)+".mp4")),
			}
			if _, err := os.Stat(filepath.Join(p.videosDir, domain.ClipStem(id, w)+".mp4")); err == nil {
				it.Status = domain.StatusSkipped
			} else {
				it.Status = domain.StatusPlanned
			}
			out = append(out, it)
		}
		return out
	}

	videoPath := fetch.VideoPath(p.videosDir, id)
	if _, err := os.Stat(videoPath); err != nil {
		// 源视频不在（acquire 失败或未执行）：该视频的全部词条标记失败。
		out := make([]domain.ItemResult, 0, len(words))
		for _, w := range words {
			out = append(out, domain.ItemResult{
				VideoID:   id,
				Word:      w,
				Stage:     domain.StageSegment,
				Status:    domain.StatusFailed,
				ErrorCode: domain.ErrCodeSegmentFailed,
				ErrorMsg:  fmt.Sprintf("源视频缺失：%s", p.rel(videoPath)),
			})
		}
		return out
	}

	clips, failures := p.seg.Cut(ctx, videoPath, spans, p.videosDir)

	out := make([]domain.ItemResult, 0, len(words))
	for _, c := range clips {
		it := domain.ItemResult{
			VideoID: id,
			Word:    c.Word,
			Stage:   domain.StageSegment,
			Output:  p.rel(c.AbsPath),
		}
		if c.Reused {
			it.Status = domain.StatusSkipped
		} else {
			it.Status = domain.StatusProcessed
		}
		out = append(out, it)
	}
	for _, f := range failures {
		out = append(out, domain.ItemResult{
			VideoID:   id,
			Word:      f.Word,
			Stage:     domain.StageSegment,
			Status:    domain.StatusFailed,
			ErrorCode: domain.ErrCodeSegmentFailed,
			ErrorMsg:  f.Err.Error(),
		})
	}
	return out
}

// poseOne：pose 阶段每个 (video, word) 一条 item；切片缺失的词条跳过
// （segment 阶段已对其出过结论，这里不重复报错）。
func (p pipeline) poseOne(ctx context.Context, id string) []domain.ItemResult {
	spans := p.index.WordTimestamps(id)
	if len(spans) == 0 {
		return nil
	}

	words := make([]string, 0, len(spans))
	for w := range spans {
		words = append(words, w)
	}
	sort.Strings(words)

	out := make([]domain.ItemResult, 0, len(words))
	for _, w := range words {
		stem := domain.ClipStem(id, w)
		clipPath := filepath.Join(p.videosDir, stem+".mp4")
		dst := pose.PosePath(p.posesDir, clipPath)

		it := domain.ItemResult{
			VideoID: id,
			Word:    w,
			Stage:   domain.StagePose,
			Output:  p.rel(dst),
		}

		if !p.eff.Apply {
			if _, err := os.Stat(dst); err == nil {
				it.Status = domain.StatusSkipped
			} else {
				it.Status = domain.StatusPlanned
			}
			out = append(out, it)
			continue
		}

		if _, err := os.Stat(clipPath); err != nil {
			p.log.Debug("切片缺失，跳过姿态提取", "video_id", id, "word", w)
			continue
		}

		existed := false
		if _, err := os.Stat(dst); err == nil {
			existed = true
		}

		clip := domain.Clip{VideoID: id, Word: w, AbsPath: clipPath}
		_, failures := p.extractor.Extract(ctx, []domain.Clip{clip}, p.posesDir)
		if len(failures) > 0 {
			it.Status = domain.StatusFailed
			it.ErrorCode = domain.ErrCodePoseFailed
			it.ErrorMsg = failures[0].Err.Error()
			it.Output = ""
		} else if existed {
			it.Status = domain.StatusSkipped
		} else {
			it.Status = domain.StatusProcessed
		}
		out = append(out, it)
	}
	return out
}

// joinAll：join 阶段整体一条合成 item（VideoID 为空）。
func (p pipeline) joinAll() domain.ItemResult {
	it := domain.ItemResult{
		Stage:  domain.StageJoin,
		Output: p.rel(filepath.Join(p.metadataDir, join.ArtifactName)),
	}

	if !p.eff.Apply {
		it.Status = domain.StatusPlanned
		return it
	}

	mapping := join.Build(p.index.Entries(), p.posesDir, p.log)
	if err := join.WriteMapping(p.metadataDir, mapping, p.log); err != nil {
		it.Status = domain.StatusFailed
		it.ErrorCode = domain.ErrCodeWriteFailed
		it.ErrorMsg = err.Error()
		it.Output = ""
		return it
	}
	it.Status = domain.StatusProcessed
	return it
}

// rel 把绝对产物路径转成相对 path 的路径（报告输出约定）。
func (p pipeline) rel(abs string) string {
	if r, err := filepath.Rel(p.eff.Path, abs); err == nil {
		return r
	}
	return abs
}

func syntheticFailed(stage, code, msg string) domain.ItemResult {
	return domain.ItemResult{
		Stage:     stage,
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	}
}
