// Package dataset 负责获取 WASL 数据集归档并抽取原始标注文件。
package dataset

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/infra/fsx"
)

// ArchiveName 是归档在 raw/ 目录下的落盘文件名。
const ArchiveName = "WASL.zip"

// AnnotationsRelPath 是解包后原始标注文件的相对路径（归档内约定结构）。
const AnnotationsRelPath = "WASL/annotations.json"

const (
	ErrCodeFetchFailed    = "fetch_failed"
	ErrCodeArchiveInvalid = "archive_invalid"
	ErrCodeNotFound       = "metadata_not_found"
)

// Error 是数据集获取阶段的结构化错误（带 error_code）。
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

// Download 把数据集归档流式下载到 raw/ 目录。
//
// 幂等：raw/WASL.zip 已存在时直接复用，不发起任何网络请求。
// 下载先写同目录临时文件，成功后 rename；半截文件不会被当成完成品。
func Download(ctx context.Context, c *http.Client, url, rawDir string, log hclog.Logger) (path string, reused bool, err error) {
	dst := filepath.Join(rawDir, ArchiveName)
	if _, serr := os.Stat(dst); serr == nil {
		log.Info("归档已存在，跳过下载", "path", dst)
		return dst, true, nil
	}

	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: rawDir, Err: err}
	}

	log.Info("下载数据集归档", "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: url, Err: err}
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: url, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	tmp, err := os.CreateTemp(rawDir, "."+ArchiveName+".tmp-*")
	if err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: rawDir, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: url, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: tmpName, Err: err}
	}
	if err := fsx.Rename(tmpName, dst); err != nil {
		return "", false, &Error{Code: ErrCodeFetchFailed, Path: dst, Err: err}
	}
	return dst, false, nil
}

// ExtractAnnotations 把归档解包到 raw/ 并返回原始标注文件路径。
//
// - 归档打不开 / 条目路径越界（zip-slip）→ archive_invalid
// - 解包成功但缺少 WASL/annotations.json → metadata_not_found
func ExtractAnnotations(zipPath, rawDir string, log hclog.Logger) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", &Error{Code: ErrCodeArchiveInvalid, Path: zipPath, Err: err}
	}
	defer zr.Close()

	rawDir = filepath.Clean(rawDir)
	for _, f := range zr.File {
		dst, err := safeJoin(rawDir, f.Name)
		if err != nil {
			return "", &Error{Code: ErrCodeArchiveInvalid, Path: zipPath, Err: err}
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return "", &Error{Code: ErrCodeArchiveInvalid, Path: dst, Err: err}
			}
			continue
		}
		if err := extractFile(f, dst); err != nil {
			return "", &Error{Code: ErrCodeArchiveInvalid, Path: dst, Err: err}
		}
	}
	log.Info("归档解包完成", "entries", len(zr.File), "dir", rawDir)

	ann := filepath.Join(rawDir, filepath.FromSlash(AnnotationsRelPath))
	if _, err := os.Stat(ann); err != nil {
		return "", &Error{Code: ErrCodeNotFound, Path: ann, Err: err}
	}
	return ann, nil
}

// safeJoin 把归档条目名拼到 base 下，并拒绝逃逸 base 的路径（zip-slip）。
func safeJoin(base, name string) (string, error) {
	dst := filepath.Join(base, filepath.FromSlash(name))
	if dst != base && !strings.HasPrefix(dst, base+string(filepath.Separator)) {
		return "", fmt.Errorf("归档条目路径越界：%q", name)
	}
	return dst, nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
