// Package fetch 负责按 video_id 获取源视频（外部协作边界）。
package fetch

import (
	"context"
	"net/http"
)

// Provider 把“视频托管方差异”限制在 provider 内部；核心流程只依赖
// 统一接口与最终落盘的 videos/<video_id>.mp4。
//
// 约束：
// - Resolve 只负责定位下载地址，不做缓存、不做重试、不做限速
//   （这些由 httpx / 幂等层统一实现）
// - pageURL 是定位过程访问的页面（可为空；用于下载时的 Referer 与追溯）
type Provider interface {
	Name() string
	Resolve(ctx context.Context, videoID string, c *http.Client) (downloadURL string, pageURL string, err error)
}
