package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 waslp.json。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	// DefaultProvider 是视频获取 provider 的最终默认值（当 CLI 与配置文件都未指定时）。
	DefaultProvider = "direct"
	// DefaultConcurrency 是并发的内置默认值。
	// 管道按设计是顺序批处理（外部调用本身吃满 I/O/CPU），默认 1；
	// 需要并行时由配置显式开启（上限 8）。
	DefaultConcurrency = 1
	// DefaultDatasetURL 是 `waslp get` 的默认数据集归档地址。
	DefaultDatasetURL = "https://github.com/dxli94/WASL/raw/master/WASL.zip"
	// DefaultFFmpeg / DefaultOpenPose 是外部工具的默认可执行名（依赖 PATH）。
	DefaultFFmpeg   = "ffmpeg"
	DefaultOpenPose = "openpose.bin"
)

// AllStages 是管道阶段的规范顺序；--stages 只做子集选择，不改变顺序。
var AllStages = []string{"acquire", "segment", "pose", "join"}

// CLIArgs 只包含 CLI 暴露的入口项，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --apply=false 必须能覆盖 config.apply=true。
type CLIArgs struct {
	Path string

	Provider    string
	ProviderSet bool

	Apply    bool
	ApplySet bool

	Stages    []string
	StagesSet bool

	DatasetURL    string
	DatasetURLSet bool
}

// FileConfig 对应 waslp.json 的解析结构。
type FileConfig struct {
	Path             string       `json:"path"`
	Provider         string       `json:"provider"`
	Apply            *bool        `json:"apply"`
	Concurrency      int          `json:"concurrency"`
	Proxy            *ProxyConfig `json:"proxy"`
	Stages           []string     `json:"stages"`
	DatasetURL       string       `json:"dataset_url"`
	VideoURLTemplate string       `json:"video_url_template"`
	SignASLBaseURL   string       `json:"signasl_base_url"`
	FFmpeg           string       `json:"ffmpeg"`
	OpenPose         string       `json:"openpose"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path string

	Provider string
	Apply    bool

	Concurrency int
	ProxyURL    string
	Stages      []string

	DatasetURL string

	// VideoURLTemplate 是 direct provider 的下载地址模板（必须含一个 %s 占位 video_id）。
	VideoURLTemplate string

	// SignASLBaseURL 允许在 signasl 默认域名不可达时切换镜像（可选）。
	// 该字段属于高级能力，仅通过 waslp.json 配置，不暴露 CLI 参数。
	SignASLBaseURL string

	FFmpeg   string
	OpenPose string
}

// HasStage 判断某阶段是否被选中。
func (e EffectiveConfig) HasStage(name string) bool {
	for _, s := range e.Stages {
		if s == name {
			return true
		}
	}
	return false
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
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

// LoadEffective 按文档约定发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 path：尝试读取 <path>/waslp.json（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/waslp.json（必选），且其中必须包含 path
//
// 覆盖优先级（固定）：
// - path：CLI path > config path
// - provider / apply / stages / dataset_url：CLI > config > 默认
// - 其他字段：仅由 config 控制（CLI 不暴露）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
	)

	if strings.TrimSpace(cli.Path) != "" {
		// CLI 给了 path：配置文件可选，位置固定在 <path>/waslp.json。
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath = filepath.Join(absPath, "waslp.json")

		fc, _, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		// 不存在也不报错。

		return merge(absPath, cli, fc, cfgPath)
	}

	// CLI 没给 path：必须读取 <cwd>/waslp.json，且其中必须包含 path。
	cfgPath = filepath.Join(cwdAbs, "waslp.json")
	var exists bool
	fc, exists, err = readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}

	absPath := absCleanFrom(cwdAbs, fc.Path)
	return merge(absPath, cli, fc, cfgPath)
}

func merge(absPath string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	// provider：CLI > config > 默认
	provider := DefaultProvider
	if cli.ProviderSet {
		provider = cli.Provider
	} else if strings.TrimSpace(fc.Provider) != "" {
		provider = fc.Provider
	}
	if err := validateProvider(provider); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	// apply：CLI > config > 默认 false
	apply := false
	if cli.ApplySet {
		apply = cli.Apply
	} else if fc.Apply != nil {
		apply = *fc.Apply
	}

	// stages：CLI > config > 全部
	rawStages := AllStages
	if cli.StagesSet {
		rawStages = cli.Stages
	} else if len(fc.Stages) > 0 {
		rawStages = fc.Stages
	}
	stages, err := normalizeStages(rawStages)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	concurrency := fc.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	// 文档约定：范围 [1, 8]；超出截断。
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 8 {
		concurrency = 8
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("proxy.url 无效：%w", err)}
		}
	}

	datasetURL := DefaultDatasetURL
	if cli.DatasetURLSet {
		datasetURL = strings.TrimSpace(cli.DatasetURL)
	} else if strings.TrimSpace(fc.DatasetURL) != "" {
		datasetURL = strings.TrimSpace(fc.DatasetURL)
	}
	if err := validateHTTPURL("dataset_url", datasetURL); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	tmpl := strings.TrimSpace(fc.VideoURLTemplate)
	if tmpl != "" && strings.Count(tmpl, "%s") != 1 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("video_url_template 必须恰好包含一个 %%s 占位：%q", tmpl)}
	}
	// direct provider 必须有下载地址模板；在配置阶段失败，比在批处理
	// 中间对每个视频重复同一个错误更可解释。
	if provider == "direct" && tmpl == "" && hasStage(stages, "acquire") {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("provider=direct 需要配置 video_url_template")}
	}

	signaslBaseURL := strings.TrimSpace(fc.SignASLBaseURL)
	if signaslBaseURL != "" {
		if err := validateHTTPURL("signasl_base_url", signaslBaseURL); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}

	ffmpeg := strings.TrimSpace(fc.FFmpeg)
	if ffmpeg == "" {
		ffmpeg = DefaultFFmpeg
	}
	openpose := strings.TrimSpace(fc.OpenPose)
	if openpose == "" {
		openpose = DefaultOpenPose
	}

	return EffectiveConfig{
		Path:             absPath,
		Provider:         provider,
		Apply:            apply,
		Concurrency:      concurrency,
		ProxyURL:         proxyURL,
		Stages:           stages,
		DatasetURL:       datasetURL,
		VideoURLTemplate: tmpl,
		SignASLBaseURL:   signaslBaseURL,
		FFmpeg:           ffmpeg,
		OpenPose:         openpose,
	}, nil
}

func validateProvider(p string) error {
	switch p {
	case "direct", "signasl":
		return nil
	case "":
		return fmt.Errorf("provider 不能为空")
	default:
		return fmt.Errorf("provider 只能是 direct 或 signasl，实际是 %q", p)
	}
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", field, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s 必须是 http/https：%q", field, raw)
	}
	return nil
}

// normalizeStages 校验阶段名并强制规范顺序（输入顺序不影响执行顺序）。
func normalizeStages(in []string) ([]string, error) {
	want := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		ok := false
		for _, known := range AllStages {
			if s == known {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("未知阶段：%q（可选：%s）", s, strings.Join(AllStages, ","))
		}
		want[s] = true
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("stages 不能为空")
	}

	out := make([]string, 0, len(want))
	for _, s := range AllStages {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func hasStage(stages []string, name string) bool {
	for _, s := range stages {
		if s == name {
			return true
		}
	}
	return false
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
