package llm

import "context"

// Request 描述发送给大模型的生成式指令上下文。
type Request struct {
	Instruction string
	Origin      string
	History     []HistoryEntry
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述同一来源先前的一次生成式调用，
// 用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Instruction string
	Reply       string
	CreatedAt   int64
}
