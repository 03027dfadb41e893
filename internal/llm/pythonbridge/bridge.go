package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"Aurora-Operator/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理，
// 便于在离线环境接入本地模型。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := map[string]any{
		"instruction": req.Instruction,
		"origin":      req.Origin,
		"timestamp":   time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("执行 Python 脚本失败: %w (%s)", err, detail)
		}
		return nil, fmt.Errorf("执行 Python 脚本失败: %w", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return nil, fmt.Errorf("Python 脚本没有输出")
	}

	var structured struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(output), &structured); err != nil {
		structured.Reply = output
	}
	if strings.TrimSpace(structured.Reply) == "" {
		structured.Reply = output
	}

	return &llm.Response{
		Thought: structured.Thought,
		Reply:   structured.Reply,
	}, nil
}
