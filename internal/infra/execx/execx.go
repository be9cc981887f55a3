package execx

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// stderrTailLimit 限制保留的 stderr 字节数。
// ffmpeg/openpose 在长视频上可能输出大量进度/警告，全量保留既没必要
// 也可能吃内存；诊断只需要最后一段。
const stderrTailLimit = 4 << 10

// CmdError 表示外部进程退出失败。
// StderrTail 携带进程 stderr 的末尾片段，用于 report/日志里的可操作诊断。
type CmdError struct {
	Bin        string
	Err        error
	StderrTail string
}

func (e *CmdError) Error() string {
	tail := strings.TrimSpace(e.StderrTail)
	if tail == "" {
		return fmt.Sprintf("%s 失败：%v", e.Bin, e.Err)
	}
	return fmt.Sprintf("%s 失败：%v；stderr 末尾：%s", e.Bin, e.Err, tail)
}

func (e *CmdError) Unwrap() error { return e.Err }

// Run 同步执行一个外部进程并等待结束。
//
// 约束：
// - ctx 取消会终止进程（exec.CommandContext）
// - stdout 丢弃；stderr 只保留末尾 stderrTailLimit 字节
// - 不做超时（管道整体不对单条外部调用设超时，取消只来自 ctx）
func Run(ctx context.Context, log hclog.Logger, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)

	tail := &tailBuffer{limit: stderrTailLimit}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	log.Debug("执行外部进程", "bin", bin, "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return &CmdError{Bin: bin, Err: err, StderrTail: tail.String()}
	}
	return nil
}

// tailBuffer 只保留写入内容的最后 limit 字节。
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
