package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/infra/fsx"
)

// Error 是视频获取阶段的可追溯错误。
// 上层据此把失败归类为 fetch_failed，并在 report 里带上 video_id。
type Error struct {
	Provider string // provider name（小写）
	Stage    string // "resolve" 或 "download"
	VideoID  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider=%s stage=%s video=%s: %v", e.Provider, e.Stage, e.VideoID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// VideoPath 返回 videoID 对应源视频的落盘路径。
func VideoPath(videosDir, videoID string) string {
	return filepath.Join(videosDir, videoID+".mp4")
}

// EnsureVideo 确保 videos/<video_id>.mp4 存在。
//
// 幂等：文件已存在时直接返回（reused=true），不发起任何网络请求。
// 下载先写同目录临时文件，成功后 rename；半截下载不会被当成完成品。
//
// pages 用于 provider 的页面抓取（有整体超时），downloads 用于视频
// 本体的流式下载（无整体超时）。
func EnsureVideo(ctx context.Context, reg Registry, providerName, videoID, videosDir string, pages, downloads *http.Client, log hclog.Logger) (path string, reused bool, err error) {
	if strings.TrimSpace(videoID) == "" {
		return "", false, &Error{Provider: providerName, Stage: "resolve", VideoID: videoID, Err: fmt.Errorf("video_id 不能为空")}
	}

	dst := VideoPath(videosDir, videoID)
	if _, serr := os.Stat(dst); serr == nil {
		log.Debug("源视频已存在，跳过下载", "video_id", videoID, "path", dst)
		return dst, true, nil
	}

	p, ok := reg.Get(providerName)
	if !ok {
		return "", false, &Error{Provider: providerName, Stage: "resolve", VideoID: videoID, Err: fmt.Errorf("provider 未注册：%q", providerName)}
	}

	dlURL, pageURL, rerr := p.Resolve(ctx, videoID, pages)
	if rerr != nil {
		return "", false, &Error{Provider: p.Name(), Stage: "resolve", VideoID: videoID, Err: rerr}
	}

	log.Info("下载源视频", "video_id", videoID, "provider", p.Name())
	if err := downloadTo(ctx, downloads, dlURL, pageURL, videosDir, dst); err != nil {
		return "", false, &Error{Provider: p.Name(), Stage: "download", VideoID: videoID, Err: err}
	}
	return dst, false, nil
}

func downloadTo(ctx context.Context, c *http.Client, rawURL, referer, dir, dst string) error {
	if c == nil {
		return fmt.Errorf("download client 为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(referer) != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return fsx.Rename(tmpName, dst)
}
