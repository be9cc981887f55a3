package join

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
)

func writePose(t *testing.T, dir, stem, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, stem+".json"), []byte(body), 0o644); err != nil {
		t.Fatalf("预置姿态产物失败：%v", err)
	}
}

func TestBuild_MapsWordsToPoseData(t *testing.T) {
	posesDir := t.TempDir()
	writePose(t, posesDir, "v1_hello", `[{"people":[]}]`)
	writePose(t, posesDir, "v1_thank-you", `[{"people":[1]}]`)

	entries := []domain.MetadataEntry{
		{VideoID: "v1", Word: "hello", StartTime: 0, EndTime: 1},
		{VideoID: "v1", Word: "Thank You", StartTime: 1, EndTime: 2},
	}
	m := Build(entries, posesDir, hclog.NewNullLogger())
	if len(m) != 2 {
		t.Fatalf("期望 2 个词条，实际 %d", len(m))
	}
	if string(m["hello"]) != `[{"people":[]}]` {
		t.Fatalf("hello 映射内容不正确：%s", m["hello"])
	}
	// 映射键用原词，查文件用 slug。
	if string(m["Thank You"]) != `[{"people":[1]}]` {
		t.Fatalf("Thank You 映射内容不正确：%s", m["Thank You"])
	}
}

func TestBuild_MissingArtifactSkipped(t *testing.T) {
	posesDir := t.TempDir()
	writePose(t, posesDir, "v1_hello", `[]`)

	entries := []domain.MetadataEntry{
		{VideoID: "v1", Word: "hello"},
		{VideoID: "v1", Word: "missing"},
	}
	m := Build(entries, posesDir, hclog.NewNullLogger())
	if len(m) != 1 {
		t.Fatalf("缺失产物应跳过而非报错：期望 1 个词条，实际 %d", len(m))
	}
	if _, ok := m["missing"]; ok {
		t.Fatalf("缺失产物的词不应出现在映射里")
	}
}

func TestBuild_InvalidJSONSkipped(t *testing.T) {
	posesDir := t.TempDir()
	writePose(t, posesDir, "v1_hello", `[]`)
	writePose(t, posesDir, "v1_bad", `{truncated`)

	entries := []domain.MetadataEntry{
		{VideoID: "v1", Word: "hello"},
		{VideoID: "v1", Word: "bad"},
	}
	m := Build(entries, posesDir, hclog.NewNullLogger())
	if len(m) != 1 {
		t.Fatalf("坏产物应跳过：期望 1 个词条，实际 %d", len(m))
	}
}

func TestBuild_DuplicateWordLastWriteWins(t *testing.T) {
	posesDir := t.TempDir()
	writePose(t, posesDir, "v1_hello", `["first"]`)
	writePose(t, posesDir, "v2_hello", `["second"]`)

	entries := []domain.MetadataEntry{
		{VideoID: "v1", Word: "hello"},
		{VideoID: "v2", Word: "hello"},
	}
	m := Build(entries, posesDir, hclog.NewNullLogger())
	if string(m["hello"]) != `["second"]` {
		t.Fatalf("同词应后写覆盖先写：%s", m["hello"])
	}
}

func TestWriteMapping_RoundTripAndEmptyObject(t *testing.T) {
	dir := t.TempDir()
	log := hclog.NewNullLogger()

	m := map[string]json.RawMessage{"hello": json.RawMessage(`[1,2]`)}
	if err := WriteMapping(dir, m, log); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, ArtifactName))
	if err != nil {
		t.Fatalf("读取产物失败：%v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("产物不是合法 JSON：%v", err)
	}
	if string(got["hello"]) != `[1,2]` {
		t.Fatalf("往返内容不一致：%s", got["hello"])
	}

	// 空映射必须写 {}。
	emptyDir := t.TempDir()
	if err := WriteMapping(emptyDir, nil, log); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	eb, _ := os.ReadFile(filepath.Join(emptyDir, ArtifactName))
	var obj map[string]any
	if err := json.Unmarshal(eb, &obj); err != nil || obj == nil {
		t.Fatalf("空映射应写出对象 {}：%s（%v）", eb, err)
	}
}
