// Package metadata 负责把原始标注规范化为 canonical metadata，
// 并提供按视频查询词级时间区间的只读索引。
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
	"github.com/John-Robertt/waslp/internal/infra/fsx"
)

// ArtifactName 是 canonical metadata 产物在 metadata/ 目录下的文件名。
const ArtifactName = "wasl_metadata.json"

const (
	ErrCodeNotFound    = "metadata_not_found"
	ErrCodeInvalid     = "metadata_invalid"
	ErrCodeWriteFailed = "write_failed"
)

// Error 是元数据阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s：%q：%v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("%s：%q", e.Code, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RawRecord 是未经信任的原始标注记录。
// 只有四个字段有意义；缺失的时间字段按 0 处理（随后会被过滤掉）。
type RawRecord struct {
	VideoID   string  `json:"video_id"`
	Word      string  `json:"word"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Normalize 把原始记录过滤为 canonical 条目。
//
// 保留条件：video_id 与 word 非空，且 start_time < end_time。
// 不满足的记录静默丢弃（Debug 日志），属于数据质量问题而非管道错误。
// 输出顺序与输入顺序一致。
func Normalize(raws []RawRecord, log hclog.Logger) []domain.MetadataEntry {
	out := make([]domain.MetadataEntry, 0, len(raws))
	for i, r := range raws {
		if r.VideoID == "" {
			log.Debug("丢弃无 video_id 的记录", "index", i)
			continue
		}
		if r.Word == "" || r.StartTime >= r.EndTime {
			log.Debug("丢弃无效记录", "index", i, "video_id", r.VideoID, "word", r.Word, "start", r.StartTime, "end", r.EndTime)
			continue
		}
		if r.StartTime < 0 {
			log.Debug("丢弃负时间记录", "index", i, "video_id", r.VideoID, "word", r.Word, "start", r.StartTime)
			continue
		}
		out = append(out, domain.MetadataEntry{
			VideoID:   r.VideoID,
			Word:      r.Word,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		})
	}
	return out
}

// NormalizeFile 读取原始标注文件，规范化后写出 canonical metadata 产物
// （覆盖既有产物），并返回规范化结果。
func NormalizeFile(annotationsPath, metadataDir string, log hclog.Logger) ([]domain.MetadataEntry, error) {
	b, err := os.ReadFile(annotationsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Code: ErrCodeNotFound, Path: annotationsPath, Err: err}
		}
		return nil, &Error{Code: ErrCodeInvalid, Path: annotationsPath, Err: err}
	}

	var raws []RawRecord
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Path: annotationsPath, Err: err}
	}

	entries := Normalize(raws, log)
	if err := WriteArtifact(metadataDir, entries); err != nil {
		return nil, err
	}
	log.Info("canonical metadata 已写出", "entries", len(entries), "dropped", len(raws)-len(entries), "path", filepath.Join(metadataDir, ArtifactName))
	return entries, nil
}

// WriteArtifact 把 canonical 条目原子写入 metadata/ 产物。
func WriteArtifact(metadataDir string, entries []domain.MetadataEntry) error {
	// 空集也要写出 []（而不是 null）：下游按 JSON 数组消费。
	if entries == nil {
		entries = []domain.MetadataEntry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &Error{Code: ErrCodeWriteFailed, Path: filepath.Join(metadataDir, ArtifactName), Err: err}
	}
	b = append(b, '\n')
	if err := fsx.WriteFileAtomicReplace(metadataDir, ArtifactName, b); err != nil {
		return &Error{Code: ErrCodeWriteFailed, Path: filepath.Join(metadataDir, ArtifactName), Err: err}
	}
	return nil
}

// Load 读取 canonical metadata 产物。
// 文件缺失返回 metadata_not_found；内容不是条目数组返回 metadata_invalid。
func Load(path string) ([]domain.MetadataEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Code: ErrCodeNotFound, Path: path, Err: err}
		}
		return nil, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	var entries []domain.MetadataEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	return entries, nil
}
