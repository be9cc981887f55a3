package execx

import (
	"errors"
	"strings"
	"testing"
)

func TestTailBuffer_KeepsOnlyTail(t *testing.T) {
	b := &tailBuffer{limit: 8}

	if _, err := b.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := b.String(); got != "89abcdef" {
		t.Fatalf("期望只保留末尾 8 字节，实际 %q", got)
	}

	// 多次小块写入也只保留末尾。
	b2 := &tailBuffer{limit: 4}
	for _, s := range []string{"aa", "bb", "cc"} {
		if _, err := b2.Write([]byte(s)); err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	}
	if got := b2.String(); got != "bbcc" {
		t.Fatalf("期望 bbcc，实际 %q", got)
	}
}

func TestCmdError_MessageAndUnwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	e := &CmdError{Bin: "ffmpeg", Err: inner, StderrTail: "No such file or directory\n"}

	if !errors.Is(e, inner) {
		t.Fatalf("Unwrap 失效")
	}
	msg := e.Error()
	if !strings.Contains(msg, "ffmpeg") || !strings.Contains(msg, "No such file") {
		t.Fatalf("错误信息缺少诊断内容：%q", msg)
	}

	e2 := &CmdError{Bin: "openpose.bin", Err: inner}
	if strings.Contains(e2.Error(), "stderr") {
		t.Fatalf("无 stderr 时不应输出 stderr 片段：%q", e2.Error())
	}
}
