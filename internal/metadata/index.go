package metadata

import (
	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
)

// Index 是 canonical metadata 的只读索引。
//
// 与“首次调用时懒加载 + 进程级缓存”的做法不同，Index 在管道启动时
// 一次性构建完成，之后只读；worker 可以安全地并发查询，不存在
// 首次加载竞态。
type Index struct {
	entries []domain.MetadataEntry
	byVideo map[string][]int
	videos  []string // 去重后的 video_id，按首次出现顺序

	log hclog.Logger
}

// NewIndex 基于已加载的条目构建索引。entries 的所有权交给 Index，
// 调用方之后不得修改。
func NewIndex(entries []domain.MetadataEntry, log hclog.Logger) Index {
	byVideo := make(map[string][]int, 64)
	videos := make([]string, 0, 64)
	for i := range entries {
		id := entries[i].VideoID
		if _, ok := byVideo[id]; !ok {
			videos = append(videos, id)
		}
		byVideo[id] = append(byVideo[id], i)
	}
	return Index{
		entries: entries,
		byVideo: byVideo,
		videos:  videos,
		log:     log,
	}
}

// Entries 返回全部 canonical 条目（存储顺序）。返回值不得被修改。
func (x Index) Entries() []domain.MetadataEntry { return x.entries }

// VideoIDs 返回去重后的 video_id 列表（按条目首次出现顺序）。
func (x Index) VideoIDs() []string { return x.videos }

// WordTimestamps 返回某个视频的 word -> 时间区间 映射。
//
// - 无任何条目：返回空映射并 Warn（缺元数据是预期情况，不是错误）
// - 同一视频内重复词：按存储顺序迭代，后写覆盖先写（见 DESIGN.md）
func (x Index) WordTimestamps(videoID string) map[string]domain.Span {
	idxs := x.byVideo[videoID]
	if len(idxs) == 0 {
		x.log.Warn("该视频没有任何元数据条目", "video_id", videoID)
		return map[string]domain.Span{}
	}

	out := make(map[string]domain.Span, len(idxs))
	for _, i := range idxs {
		e := x.entries[i]
		out[e.Word] = domain.Span{Start: e.StartTime, End: e.EndTime}
	}
	return out
}
