package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultSignASLBaseURL 是 signasl provider 的默认站点。
const DefaultSignASLBaseURL = "https://www.signasl.org"

// SignASL 通过视频页面解析出真实下载地址。
//
// 约束：
// - Resolve 不做缓存/重试/限速（由上层统一控制）
// - 页面结构解析集中在本文件；站点改版只影响这里
type SignASL struct {
	// BaseURL 为空时使用 DefaultSignASLBaseURL；镜像切换见配置 signasl_base_url。
	BaseURL string
}

func (SignASL) Name() string { return "signasl" }

func (p SignASL) Resolve(ctx context.Context, videoID string, c *http.Client) (string, string, error) {
	if c == nil {
		return "", "", errors.New("http client 不能为空")
	}

	base := strings.TrimSpace(p.BaseURL)
	if base == "" {
		base = DefaultSignASLBaseURL
	}
	pageURL := strings.TrimRight(base, "/") + "/video/" + url.PathEscape(videoID)

	html, err := fetchPage(ctx, c, pageURL)
	if err != nil {
		return "", "", err
	}

	src, err := parseVideoSource(html, pageURL)
	if err != nil {
		return "", "", err
	}
	return src, pageURL, nil
}

// parseVideoSource 从视频页 HTML 里取 <video> 的播放地址。
// 优先 <video><source src>，回退 <video src>。
func parseVideoSource(html []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", err
	}

	src, _ := doc.Find("video source").First().Attr("src")
	if strings.TrimSpace(src) == "" {
		src, _ = doc.Find("video").First().Attr("src")
	}
	src = strings.TrimSpace(src)
	if src == "" {
		return "", errors.New("页面中未找到 video 源地址（站点结构可能变化或返回了非视频页）")
	}
	return resolveURL(pageURL, src), nil
}

func fetchPage(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}
	return b, nil
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}
