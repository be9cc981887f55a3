package pose

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
)

// stubRunner 模拟 openpose：往工作目录写逐帧 JSON。
type stubRunner struct {
	frames   []string
	failClip string
	calls    atomic.Int64
}

func (r *stubRunner) Run(_ context.Context, clipPath, outDir string) error {
	r.calls.Add(1)
	if r.failClip != "" && filepath.Base(clipPath) == r.failClip {
		return errors.New("模拟 openpose 崩溃")
	}
	for i, frame := range r.frames {
		name := filepath.Join(outDir, "frame_"+string(rune('0'+i))+"_keypoints.json")
		if err := os.WriteFile(name, []byte(frame), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newTestExtractor(r Runner) Extractor {
	return Extractor{Runner: r, Log: hclog.NewNullLogger()}
}

func clipFixture(t *testing.T, dir, stem string) domain.Clip {
	t.Helper()
	p := filepath.Join(dir, stem+".mp4")
	if err := os.WriteFile(p, []byte("clip"), 0o644); err != nil {
		t.Fatalf("预置切片失败：%v", err)
	}
	return domain.Clip{VideoID: "v1", Word: stem, AbsPath: p}
}

func TestExtract_OneArtifactPerClip_MergedFrames(t *testing.T) {
	clipsDir := t.TempDir()
	posesDir := t.TempDir()

	r := &stubRunner{frames: []string{`{"people":[1]}`, `{"people":[2]}`}}
	e := newTestExtractor(r)

	clips := []domain.Clip{
		clipFixture(t, clipsDir, "v1_apple"),
		clipFixture(t, clipsDir, "v1_mango"),
	}
	outputs, failures := e.Extract(context.Background(), clips, posesDir)
	if len(failures) != 0 {
		t.Fatalf("不期望失败：%v", failures)
	}
	if len(outputs) != 2 {
		t.Fatalf("产物数必须等于切片数：期望 2，实际 %d", len(outputs))
	}
	if outputs[0] != filepath.Join(posesDir, "v1_apple.json") {
		t.Fatalf("产物命名不正确：%q", outputs[0])
	}

	// 合并结果必须是合法 JSON，且帧序保持。
	b, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatalf("读取产物失败：%v", err)
	}
	var frames []map[string]any
	if err := json.Unmarshal(b, &frames); err != nil {
		t.Fatalf("产物不是合法 JSON 数组：%v\n%s", err, b)
	}
	if len(frames) != 2 {
		t.Fatalf("期望 2 帧，实际 %d", len(frames))
	}

	// 逐帧工作目录不应残留。
	entries, _ := os.ReadDir(posesDir)
	for _, ent := range entries {
		if ent.IsDir() {
			t.Fatalf("工作目录未清理：%s", ent.Name())
		}
	}
}

func TestExtract_ExistingArtifactNotRerun(t *testing.T) {
	posesDir := t.TempDir()
	clipsDir := t.TempDir()

	pre := filepath.Join(posesDir, "v1_hi.json")
	if err := os.WriteFile(pre, []byte(`[]`), 0o644); err != nil {
		t.Fatalf("预置失败：%v", err)
	}

	r := &stubRunner{frames: []string{`{}`}}
	e := newTestExtractor(r)

	outputs, failures := e.Extract(context.Background(), []domain.Clip{clipFixture(t, clipsDir, "v1_hi")}, posesDir)
	if len(failures) != 0 || len(outputs) != 1 {
		t.Fatalf("期望 1 个产物：%v %v", outputs, failures)
	}
	if r.calls.Load() != 0 {
		t.Fatalf("已存在的产物不应触发 openpose，实际 %d 次调用", r.calls.Load())
	}
	b, _ := os.ReadFile(pre)
	if string(b) != `[]` {
		t.Fatalf("已存在的产物不应被覆盖")
	}
}

func TestExtract_SingleClipFailureDoesNotStopOthers(t *testing.T) {
	clipsDir := t.TempDir()
	posesDir := t.TempDir()

	r := &stubRunner{frames: []string{`{}`}, failClip: "v1_mango.mp4"}
	e := newTestExtractor(r)

	clips := []domain.Clip{
		clipFixture(t, clipsDir, "v1_apple"),
		clipFixture(t, clipsDir, "v1_mango"),
		clipFixture(t, clipsDir, "v1_zebra"),
	}
	outputs, failures := e.Extract(context.Background(), clips, posesDir)
	if len(outputs) != 2 {
		t.Fatalf("其余切片应继续：期望 2 个产物，实际 %d", len(outputs))
	}
	if len(failures) != 1 || failures[0].Clip.Word != "v1_mango" {
		t.Fatalf("失败必须被报告且只报告失败切片：%v", failures)
	}
	if _, err := os.Stat(filepath.Join(posesDir, "v1_mango.json")); err == nil {
		t.Fatalf("失败切片不应产生产物")
	}
}

func TestExtract_NoFramesIsFailure(t *testing.T) {
	clipsDir := t.TempDir()
	posesDir := t.TempDir()

	// openpose 正常退出但没写任何帧（坏视频常见表现）。
	r := &stubRunner{}
	e := newTestExtractor(r)

	outputs, failures := e.Extract(context.Background(), []domain.Clip{clipFixture(t, clipsDir, "v1_hi")}, posesDir)
	if len(outputs) != 0 || len(failures) != 1 {
		t.Fatalf("零帧应视为失败：%v %v", outputs, failures)
	}
}

func TestPosePath(t *testing.T) {
	got := PosePath("/data/poses", "/data/videos/v1_thank-you.mp4")
	want := filepath.Join("/data/poses", "v1_thank-you.json")
	if got != want {
		t.Fatalf("期望 %q，实际 %q", want, got)
	}
}
