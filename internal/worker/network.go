package worker

import "context"

// Network 抽象回源能力。实现需在 req.NoCache 为 true 时附带
// Cache-Control: no-cache 与 Pragma: no-cache，并完整读入响应正文。
// 只有连接/超时等传输层错误才返回 error，任何 HTTP 状态码都视为响应。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc 让普通函数满足 Network 接口。
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
