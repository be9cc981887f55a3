package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignASL_Resolve_ParsesVideoSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/v1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body>
<h1>hello (ASL)</h1>
<video controls><source src="/media/mp4/v1.mp4" type="video/mp4"></video>
</body></html>`))
	}))
	defer srv.Close()

	p := SignASL{BaseURL: srv.URL}
	dl, page, err := p.Resolve(context.Background(), "v1", srv.Client())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if dl != srv.URL+"/media/mp4/v1.mp4" {
		t.Fatalf("相对地址应基于页面解析为绝对地址：%q", dl)
	}
	if page != srv.URL+"/video/v1" {
		t.Fatalf("pageURL 不正确：%q", page)
	}
}

func TestSignASL_Resolve_VideoSrcFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<video src="//cdn.test/v1.mp4"></video>`))
	}))
	defer srv.Close()

	p := SignASL{BaseURL: srv.URL}
	dl, _, err := p.Resolve(context.Background(), "v1", srv.Client())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if dl != "https://cdn.test/v1.mp4" {
		t.Fatalf("协议相对地址应补全为 https：%q", dl)
	}
}

func TestSignASL_Resolve_NoVideoElement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>page moved</p></body></html>`))
	}))
	defer srv.Close()

	p := SignASL{BaseURL: srv.URL}
	_, _, err := p.Resolve(context.Background(), "v1", srv.Client())
	if err == nil {
		t.Fatalf("缺少 video 元素应报错")
	}
}

func TestSignASL_Resolve_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := SignASL{BaseURL: srv.URL}
	_, _, err := p.Resolve(context.Background(), "v1", srv.Client())
	var hs *HTTPStatusError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusForbidden {
		t.Fatalf("期望 HTTPStatusError(403)，实际 %v", err)
	}
}
