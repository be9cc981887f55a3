package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Direct 通过配置的 URL 模板直接拼出下载地址（不访问任何页面）。
//
// 适用于把数据集视频镜像到自有 CDN/对象存储的场景：
// video_url_template 形如 https://cdn.example.com/wasl/%s.mp4。
type Direct struct {
	URLTemplate string
}

func (Direct) Name() string { return "direct" }

func (d Direct) Resolve(_ context.Context, videoID string, _ *http.Client) (string, string, error) {
	tmpl := strings.TrimSpace(d.URLTemplate)
	if tmpl == "" {
		return "", "", errors.New("video_url_template 未配置")
	}
	if strings.Count(tmpl, "%s") != 1 {
		return "", "", fmt.Errorf("video_url_template 必须恰好包含一个 %%s 占位：%q", tmpl)
	}
	return fmt.Sprintf(tmpl, url.PathEscape(videoID)), "", nil
}
