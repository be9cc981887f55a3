package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
)

type stubProvider struct {
	name    string
	url     string
	pageURL string
	err     error
	calls   atomic.Int64
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Resolve(_ context.Context, videoID string, _ *http.Client) (string, string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", "", p.err
	}
	return p.url, p.pageURL, nil
}

func TestEnsureVideo_DownloadsOnceThenReuses(t *testing.T) {
	log := hclog.NewNullLogger()
	videosDir := t.TempDir()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("videobytes"))
	}))
	defer srv.Close()

	p := &stubProvider{name: "direct", url: srv.URL + "/v1.mp4"}
	reg, err := NewRegistry(p)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	path, reused, err := EnsureVideo(context.Background(), reg, "direct", "v1", videosDir, srv.Client(), srv.Client(), log)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if reused {
		t.Fatalf("首次获取不应复用")
	}
	if path != filepath.Join(videosDir, "v1.mp4") {
		t.Fatalf("落盘路径不正确：%q", path)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "videobytes" {
		t.Fatalf("落盘内容不正确：%q %v", b, err)
	}

	// 第二次：文件已存在，不触发 Resolve 也不触发网络。
	_, reused, err = EnsureVideo(context.Background(), reg, "direct", "v1", videosDir, srv.Client(), srv.Client(), log)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !reused {
		t.Fatalf("第二次应复用既有文件")
	}
	if hits.Load() != 1 {
		t.Fatalf("外部下载应恰好 1 次，实际 %d", hits.Load())
	}
	if p.calls.Load() != 1 {
		t.Fatalf("Resolve 应恰好 1 次，实际 %d", p.calls.Load())
	}
}

func TestEnsureVideo_ResolveFailure(t *testing.T) {
	log := hclog.NewNullLogger()

	p := &stubProvider{name: "direct", err: errors.New("boom")}
	reg, _ := NewRegistry(p)

	_, _, err := EnsureVideo(context.Background(), reg, "direct", "v1", t.TempDir(), http.DefaultClient, http.DefaultClient, log)
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("期望 *fetch.Error，实际 %T %v", err, err)
	}
	if fe.Stage != "resolve" || fe.VideoID != "v1" {
		t.Fatalf("错误上下文不完整：%+v", fe)
	}
}

func TestEnsureVideo_DownloadHTTPError_NoPartialFile(t *testing.T) {
	log := hclog.NewNullLogger()
	videosDir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := &stubProvider{name: "direct", url: srv.URL + "/v1.mp4"}
	reg, _ := NewRegistry(p)

	_, _, err := EnsureVideo(context.Background(), reg, "direct", "v1", videosDir, srv.Client(), srv.Client(), log)
	var fe *Error
	if !errors.As(err, &fe) || fe.Stage != "download" {
		t.Fatalf("期望 download 阶段错误，实际 %v", err)
	}

	// 失败后不应留下最终文件或临时文件。
	entries, rerr := os.ReadDir(videosDir)
	if rerr != nil {
		t.Fatalf("ReadDir 失败：%v", rerr)
	}
	if len(entries) != 0 {
		t.Fatalf("失败后目录应为空，实际 %v", entries)
	}
}

func TestEnsureVideo_UnknownProvider(t *testing.T) {
	log := hclog.NewNullLogger()
	reg, _ := NewRegistry()

	_, _, err := EnsureVideo(context.Background(), reg, "nope", "v1", t.TempDir(), http.DefaultClient, http.DefaultClient, log)
	if err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
}

func TestDirect_Resolve(t *testing.T) {
	d := Direct{URLTemplate: "https://cdn.test/wasl/%s.mp4"}
	u, page, err := d.Resolve(context.Background(), "v 1", nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if u != "https://cdn.test/wasl/v%201.mp4" {
		t.Fatalf("模板拼接不正确：%q", u)
	}
	if page != "" {
		t.Fatalf("direct 不应有 pageURL：%q", page)
	}

	if _, _, err := (Direct{}).Resolve(context.Background(), "v1", nil); err == nil {
		t.Fatalf("空模板应报错")
	}
}
