// Package media 封装 ffprobe / ffmpeg：媒体探测、音轨提取、切片和 WAV 回退编码
package media

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandResult 外部命令的执行结果
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner 执行外部命令（测试时替换为 fake）
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner 通过 os/exec 执行命令
type ExecRunner struct{}

// Run 执行一条命令并捕获 stdout/stderr 和退出码
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// lastLine stderr 最后一行非空内容，用于日志
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
