package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusPlanned   = "planned"
	StatusFailed    = "failed"
)

// 管道阶段名（同时用于 --stages 与 report 输出）。
const (
	StageMetadata = "metadata"
	StageAcquire  = "acquire"
	StageSegment  = "segment"
	StagePose     = "pose"
	StageJoin     = "join"
)

const (
	ErrCodeMetadataNotFound  = "metadata_not_found"
	ErrCodeMetadataInvalid   = "metadata_invalid"
	ErrCodeArchiveInvalid    = "archive_invalid"
	ErrCodeFetchFailed       = "fetch_failed"
	ErrCodeSegmentFailed     = "segment_failed"
	ErrCodePoseFailed        = "pose_failed"
	ErrCodeWriteFailed       = "write_failed"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
)

// RunReport 是对外稳定输出（metadata/report.json / stdout JSON）的结构。
type RunReport struct {
	Path   string `json:"path"`
	DryRun bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Planned   int `json:"planned"`
	Failed    int `json:"failed"`
}

// ItemResult 是某个阶段里单个条目的结果。
//
// 粒度约定：
// - acquire：每个 video 一条（Word 为空）
// - segment/pose：每个 (video, word) 一条
// - metadata/join：合成条目（VideoID 为空）
type ItemResult struct {
	VideoID string `json:"video_id"`
	Word    string `json:"word"`
	Stage   string `json:"stage"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	// Output 是该条目产物相对 path 的路径（无产物则为空）。
	Output string `json:"output"`
}

var stageOrder = map[string]int{
	StageMetadata: 0,
	StageAcquire:  1,
	StageSegment:  2,
	StagePose:     3,
	StageJoin:     4,
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：阶段顺序 > video_id 字典序 > word 字典序；
//    video_id=="" 的合成条目排在所属阶段末尾
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i], r.Items[j]
		if sa, sb := stageOrder[a.Stage], stageOrder[b.Stage]; sa != sb {
			return sa < sb
		}
		if a.VideoID != b.VideoID {
			if a.VideoID == "" {
				return false
			}
			if b.VideoID == "" {
				return true
			}
			return a.VideoID < b.VideoID
		}
		return a.Word < b.Word
	})

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusProcessed:
			s.Processed++
		case StatusSkipped:
			s.Skipped++
		case StatusPlanned:
			s.Planned++
		case StatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
// 当前只是透传 encoding/json 的默认行为。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
