// Package join 把规范化标注与姿态产物关联成 词 -> 姿态数据 的最终映射。
package join

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
	"github.com/John-Robertt/waslp/internal/infra/fsx"
)

// ArtifactName 是最终映射产物的文件名（位于 metadata 目录下）。
const ArtifactName = "word_pose_mapping.json"

// Build 遍历标注条目，逐条查找对应的姿态产物并装入映射。
//
// - 产物缺失（该切片此前失败或被跳过）：跳过该条目，不报错
// - 产物内容不是合法 JSON：Warn 并跳过，坏文件不污染映射
// - 同一词多次出现：后写覆盖先写
// - 遍历顺序：条目序 + 不依赖 map 顺序，结果确定
func Build(entries []domain.MetadataEntry, posesDir string, log hclog.Logger) map[string]json.RawMessage {
	mapping := make(map[string]json.RawMessage)

	for _, ent := range entries {
		path := filepath.Join(posesDir, domain.ClipStem(ent.VideoID, ent.Word)+".json")

		b, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("读取姿态产物失败", "video_id", ent.VideoID, "word", ent.Word, "err", err)
			}
			continue
		}
		if !json.Valid(b) {
			log.Warn("姿态产物不是合法 JSON，跳过", "video_id", ent.VideoID, "word", ent.Word, "path", path)
			continue
		}
		mapping[ent.Word] = json.RawMessage(b)
	}
	return mapping
}

// WriteMapping 把映射序列化为缩进 JSON 并原子写入 metadata/ 产物。
// 空映射写出 {} 而不是 null（下游按对象解析）。
func WriteMapping(metadataDir string, mapping map[string]json.RawMessage, log hclog.Logger) error {
	if mapping == nil {
		mapping = map[string]json.RawMessage{}
	}
	b, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := fsx.WriteFileAtomicReplace(metadataDir, ArtifactName, b); err != nil {
		return err
	}

	words := make([]string, 0, len(mapping))
	for w := range mapping {
		words = append(words, w)
	}
	sort.Strings(words)
	log.Info("词姿态映射已写出", "path", filepath.Join(metadataDir, ArtifactName), "words", len(words))
	return nil
}
