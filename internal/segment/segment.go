// Package segment 把源视频按词级时间区间切成独立片段（ffmpeg 外部协作边界）。
package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
	"github.com/John-Robertt/waslp/internal/infra/execx"
	"github.com/John-Robertt/waslp/internal/infra/fsx"
)

// Failure 记录单个词的切片失败（不会中断同一视频的其余词）。
type Failure struct {
	Word string
	Err  error
}

// RunFunc 是外部进程调用的注入点（测试用 stub 替换，不跑真 ffmpeg）。
type RunFunc func(ctx context.Context, bin string, args ...string) error

// Segmenter 负责一个视频的全部词级切片。
type Segmenter struct {
	FFmpeg string
	Run    RunFunc
	Log    hclog.Logger
}

// New 构造使用真实 ffmpeg 的 Segmenter。
func New(ffmpeg string, log hclog.Logger) Segmenter {
	return Segmenter{
		FFmpeg: ffmpeg,
		Run: func(ctx context.Context, bin string, args ...string) error {
			return execx.Run(ctx, log, bin, args...)
		},
		Log: log,
	}
}

// Cut 对 videoPath 按 spans 逐词切片，输出到 outDir。
//
// - 迭代顺序：词字典序（确定性输出；map 自身无序）
// - 输出命名：<video 主干>_<词 slug>.mp4；已存在的输出不再重切（Reused=true）
// - 重编码：丢弃音轨（-an），H.264 视频；编码参数不属于正确性范围
// - ffmpeg 先写同目录临时文件，成功后 rename，半截编码不会污染幂等判断
// - 单个词失败只记入 failures，剩余词继续
func (s Segmenter) Cut(ctx context.Context, videoPath string, spans map[string]domain.Span, outDir string) ([]domain.Clip, []Failure) {
	videoID := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	words := make([]string, 0, len(spans))
	for w := range spans {
		words = append(words, w)
	}
	sort.Strings(words)

	clips := make([]domain.Clip, 0, len(words))
	var failures []Failure

	for _, word := range words {
		span := spans[word]
		stem := domain.ClipStem(videoID, word)
		dst := filepath.Join(outDir, stem+".mp4")

		if _, err := os.Stat(dst); err == nil {
			s.Log.Debug("切片已存在，跳过", "video_id", videoID, "word", word)
			clips = append(clips, domain.Clip{VideoID: videoID, Word: word, AbsPath: dst, Reused: true})
			continue
		}

		if err := s.cutOne(ctx, videoPath, span, outDir, stem, dst); err != nil {
			s.Log.Warn("切片失败", "video_id", videoID, "word", word, "err", err)
			failures = append(failures, Failure{Word: word, Err: err})
			continue
		}
		clips = append(clips, domain.Clip{VideoID: videoID, Word: word, AbsPath: dst})
	}
	return clips, failures
}

func (s Segmenter) cutOne(ctx context.Context, videoPath string, span domain.Span, outDir, stem, dst string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(outDir, "."+stem+".mp4.part")
	// 临时文件扩展名不含 mp4，必须显式指定容器格式。
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(span.Start),
		"-to", formatSeconds(span.End),
		"-i", videoPath,
		"-an",
		"-c:v", "libx264",
		"-f", "mp4",
		tmp,
	}
	if err := s.Run(ctx, s.FFmpeg, args...); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := fsx.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("切片落盘失败：%w", err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
