// Package pose 对词级切片逐个运行 openpose，产出每切片一个关键点 JSON。
package pose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/domain"
	"github.com/John-Robertt/waslp/internal/infra/execx"
)

// Runner 是 openpose 进程的注入点（测试用 stub 替换）。
type Runner interface {
	Run(ctx context.Context, clipPath, outDir string) error
}

// OpenPose 调用真实的 openpose 可执行文件。
// 关闭渲染与显示：只要关键点 JSON，不要可视化输出。
type OpenPose struct {
	Bin string
	Log hclog.Logger
}

func (o OpenPose) Run(ctx context.Context, clipPath, outDir string) error {
	return execx.Run(ctx, o.Log, o.Bin,
		"--video", clipPath,
		"--write_json", outDir,
		"--display", "0",
		"--render_pose", "0",
	)
}

// Failure 记录单个切片的姿态提取失败（不中断其余切片）。
type Failure struct {
	Clip domain.Clip
	Err  error
}

// Extractor 负责一批切片的姿态提取与产物归位。
type Extractor struct {
	Runner Runner
	Log    hclog.Logger
}

// PosePath 返回切片对应的关键点产物路径：<posesDir>/<切片主干>.json。
func PosePath(posesDir, clipPath string) string {
	stem := strings.TrimSuffix(filepath.Base(clipPath), filepath.Ext(clipPath))
	return filepath.Join(posesDir, stem+".json")
}

// Extract 对 clips 逐个提取姿态，产物写入 posesDir。
//
// - 已存在的产物不再重跑（Reused=true）
// - openpose 把结果写进以切片主干命名的工作目录，成功后合并重命名为单个 JSON
// - 单个切片失败只记入 failures，剩余切片继续
func (e Extractor) Extract(ctx context.Context, clips []domain.Clip, posesDir string) ([]string, []Failure) {
	outputs := make([]string, 0, len(clips))
	var failures []Failure

	for _, clip := range clips {
		dst := PosePath(posesDir, clip.AbsPath)

		if _, err := os.Stat(dst); err == nil {
			e.Log.Debug("姿态产物已存在，跳过", "video_id", clip.VideoID, "word", clip.Word)
			outputs = append(outputs, dst)
			continue
		}

		if err := e.extractOne(ctx, clip, posesDir, dst); err != nil {
			e.Log.Warn("姿态提取失败", "video_id", clip.VideoID, "word", clip.Word, "err", err)
			failures = append(failures, Failure{Clip: clip, Err: err})
			continue
		}
		outputs = append(outputs, dst)
	}
	return outputs, failures
}

func (e Extractor) extractOne(ctx context.Context, clip domain.Clip, posesDir, dst string) error {
	if err := os.MkdirAll(posesDir, 0o755); err != nil {
		return err
	}

	stem := strings.TrimSuffix(filepath.Base(clip.AbsPath), filepath.Ext(clip.AbsPath))
	workDir := filepath.Join(posesDir, "."+stem+".work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	if err := e.Runner.Run(ctx, clip.AbsPath, workDir); err != nil {
		return err
	}
	return mergeFrames(workDir, dst)
}

// mergeFrames 把 openpose 的逐帧 JSON 合并为单个产物文件。
// openpose 一帧一个文件，文件名按帧号字典序排好；这里按该顺序拼成 JSON 数组。
func mergeFrames(workDir, dst string) error {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return err
	}

	var frames []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		frames = append(frames, filepath.Join(workDir, ent.Name()))
	}
	if len(frames) == 0 {
		return fmt.Errorf("openpose 未产出任何帧数据（目录 %s 为空）", workDir)
	}

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	write := func() error {
		if _, err := out.WriteString("[\n"); err != nil {
			return err
		}
		for i, f := range frames {
			b, err := os.ReadFile(f)
			if err != nil {
				return err
			}
			if i > 0 {
				if _, err := out.WriteString(",\n"); err != nil {
					return err
				}
			}
			if _, err := out.Write(b); err != nil {
				return err
			}
		}
		_, err := out.WriteString("\n]\n")
		return err
	}

	if err := write(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
