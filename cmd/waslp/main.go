package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/John-Robertt/waslp/internal/app/run"
	"github.com/John-Robertt/waslp/internal/config"
	"github.com/John-Robertt/waslp/internal/dataset"
	"github.com/John-Robertt/waslp/internal/domain"
	"github.com/John-Robertt/waslp/internal/fetch"
	"github.com/John-Robertt/waslp/internal/infra/fsx"
	"github.com/John-Robertt/waslp/internal/infra/httpx"
	"github.com/John-Robertt/waslp/internal/metadata"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "get":
		if code := getCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func newLogger() hclog.Logger {
	level := hclog.Warn
	if v := strings.TrimSpace(os.Getenv("WASLP_LOG")); v != "" {
		level = hclog.LevelFromString(v)
		if level == hclog.NoLevel {
			level = hclog.Warn
		}
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "waslp",
		Level:  level,
		Output: os.Stderr,
	})
}

// getCmd：下载数据集归档、解包、规范化标注（waslp get）。
func getCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printGetUsage()
			return 0
		}
	}

	ga, err := parseGetArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printGetUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	// get 不执行 acquire：锁定 stages 以绕过“direct 需要 video_url_template”
	// 的前置校验（该约束只对 run 的 acquire 阶段有意义）。
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:          ga.Path,
		DatasetURL:    ga.URL,
		DatasetURLSet: ga.URLSet,
		Stages:        []string{"join"},
		StagesSet:     true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	log := newLogger()
	client, err := httpx.NewDownloadClient(eff.ProxyURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config_invalid：proxy.url 无效：%v\n", err)
		return 1
	}

	ctx := context.Background()
	rawDir := filepath.Join(eff.Path, "raw")

	zipPath, reused, err := dataset.Download(ctx, client, eff.DatasetURL, rawDir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if reused {
		fmt.Fprintf(os.Stderr, "归档已存在：%s\n", zipPath)
	} else {
		fmt.Fprintf(os.Stderr, "归档已下载：%s\n", zipPath)
	}

	ann, err := dataset.ExtractAnnotations(zipPath, rawDir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	metadataDir := filepath.Join(eff.Path, "metadata")
	entries, err := metadata.NormalizeFile(ann, metadataDir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	artifact := filepath.Join(metadataDir, metadata.ArtifactName)
	fmt.Fprintf(os.Stderr, "canonical metadata：entries=%d\n", len(entries))
	fmt.Fprintln(os.Stdout, artifact)
	return 0
}

// runCmd：执行处理管道（waslp run）。
func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:        ra.Path,
		Provider:    ra.Provider,
		ProviderSet: ra.ProviderSet,
		Apply:       ra.Apply,
		ApplySet:    ra.ApplySet,
		Stages:      ra.Stages,
		StagesSet:   ra.StagesSet,
	})
	if err != nil {
		rr := reportForConfigError(cwdAbs, ra, err)
		emitReport(rr)
		return 1
	}

	reg, e := fetch.NewRegistry(
		fetch.Direct{URLTemplate: eff.VideoURLTemplate},
		fetch.SignASL{BaseURL: eff.SignASLBaseURL},
	)
	if e != nil {
		fmt.Fprintf(os.Stderr, "初始化 provider registry 失败：%v\n", e)
		return 1
	}

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	deps := run.Deps{Registry: reg, Log: newLogger()}
	rr := run.ExecuteWithObserver(context.Background(), eff, deps, obs)

	// apply：必须写入 <path>/metadata/report.json；dry-run 禁止落盘。
	if eff.Apply {
		if err := writeReportFile(eff.Path, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.Summary.Failed == 0 {
		return 0
	}
	return 1
}

type getArgs struct {
	Path   string
	URL    string
	URLSet bool
}

func parseGetArgs(args []string) (getArgs, error) {
	ga := getArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--url":
			if i+1 >= len(args) {
				return getArgs{}, fmt.Errorf("--url 需要一个值")
			}
			i++
			ga.URL = args[i]
			ga.URLSet = true
		case strings.HasPrefix(a, "--url="):
			ga.URL = strings.TrimPrefix(a, "--url=")
			ga.URLSet = true
		case strings.HasPrefix(a, "-"):
			return getArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ga.Path != "" {
				return getArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ga.Path, a)
			}
			ga.Path = a
		}
	}

	if ga.URLSet && strings.TrimSpace(ga.URL) == "" {
		return getArgs{}, fmt.Errorf("--url 不能为空")
	}
	return ga, nil
}

type runArgs struct {
	Path        string
	Provider    string
	ProviderSet bool
	Apply       bool
	ApplySet    bool
	Stages      []string
	StagesSet   bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--provider":
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("--provider 需要一个值")
			}
			i++
			ra.Provider = args[i]
			ra.ProviderSet = true
		case strings.HasPrefix(a, "--provider="):
			ra.Provider = strings.TrimPrefix(a, "--provider=")
			ra.ProviderSet = true
		case a == "--stages":
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("--stages 需要一个值")
			}
			i++
			ra.Stages = splitStages(args[i])
			ra.StagesSet = true
		case strings.HasPrefix(a, "--stages="):
			ra.Stages = splitStages(strings.TrimPrefix(a, "--stages="))
			ra.StagesSet = true
		case a == "--apply":
			ra.Apply = true
			ra.ApplySet = true
		case strings.HasPrefix(a, "--apply="):
			v := strings.TrimPrefix(a, "--apply=")
			switch v {
			case "true":
				ra.Apply = true
			case "false":
				ra.Apply = false
			default:
				return runArgs{}, fmt.Errorf("--apply 只能是 true 或 false，实际是 %q", v)
			}
			ra.ApplySet = true
		case strings.HasPrefix(a, "-"):
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ra.Path != "" {
				return runArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ra.Path, a)
			}
			ra.Path = a
		}
	}

	if ra.ProviderSet {
		switch ra.Provider {
		case "direct", "signasl":
			// ok
		case "":
			return runArgs{}, fmt.Errorf("--provider 不能为空")
		default:
			return runArgs{}, fmt.Errorf("--provider 只能是 direct 或 signasl，实际是 %q", ra.Provider)
		}
	}
	if ra.StagesSet && len(ra.Stages) == 0 {
		return runArgs{}, fmt.Errorf("--stages 不能为空")
	}

	return ra, nil
}

func splitStages(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  waslp get [path] [--url <数据集归档地址>]
  waslp run [path] [--provider direct|signasl] [--stages acquire,segment,pose,join] [--apply[=true|false]]

命令：
  get    下载数据集归档并生成 canonical metadata
  run    运行处理管道（默认 dry-run）

使用 "waslp <命令> --help" 查看详细说明。
`)
}

func printGetUsage() {
	fmt.Fprint(os.Stdout, `用法：
  waslp get [path] [--url <数据集归档地址>]

参数：
  --url       数据集归档地址（未指定则读配置文件 dataset_url；最终默认 WASL 官方归档）
  -h, --help  显示帮助
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  waslp run [path] [--provider direct|signasl] [--stages acquire,segment,pose,join] [--apply[=true|false]]

参数：
  --provider  视频获取 provider：direct|signasl（未指定则读配置文件；最终默认 direct）
  --stages    阶段子集（逗号分隔）；执行顺序固定为 acquire,segment,pose,join
  --apply     执行下载/切片/提取/落盘（默认 dry-run）；支持 --apply=false 覆盖配置中的 apply=true
  -h, --help  显示帮助
`)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintf(os.Stdout, "完成：processed=%d skipped=%d planned=%d failed=%d\n",
			rr.Summary.Processed, rr.Summary.Skipped, rr.Summary.Planned, rr.Summary.Failed,
		)
		if rr.Summary.Failed > 0 {
			for _, it := range rr.Items {
				if it.Status != domain.StatusFailed {
					continue
				}
				key := itemKey(it)
				fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
			}
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintf(os.Stderr, "完成：processed=%d skipped=%d planned=%d failed=%d\n",
		rr.Summary.Processed, rr.Summary.Skipped, rr.Summary.Planned, rr.Summary.Failed,
	)
}

func itemKey(it domain.ItemResult) string {
	switch {
	case it.VideoID != "" && it.Word != "":
		return it.Stage + " " + it.VideoID + "/" + it.Word
	case it.VideoID != "":
		return it.Stage + " " + it.VideoID
	default:
		return it.Stage
	}
}

func reportForConfigError(cwdAbs string, ra runArgs, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		Path:       cwdAbs,
		DryRun:     !(ra.ApplySet && ra.Apply),
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.ItemResult{{
			Stage:     domain.StageMetadata,
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(root string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Join(root, "metadata"), "report.json", b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	// 这两行用于降低“完成后不知道产物在哪”的摩擦，且不影响 stdout JSON 契约。
	if w == nil {
		return
	}
	if eff.Apply {
		fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.Path, "metadata", "report.json"))
	}
	fmt.Fprintf(w, "mapping: %s\n", filepath.Join(eff.Path, "metadata", "word_pose_mapping.json"))
}
