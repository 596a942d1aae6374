package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

// maxBodyBytes 限制单个回源响应读入内存的大小，快照按整体存取。
const maxBodyBytes = 64 << 20

// Upstream 实现 worker.Network：同源请求改写到 App 的 Upstream，跨域请求按原地址直连。
type Upstream struct {
	client *http.Client
	route  *server.AppRoute
}

// NewUpstream 构造 App 专用的回源实现，client 通常来自 server.ClientForRoute。
func NewUpstream(client *http.Client, route *server.AppRoute) *Upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &Upstream{client: client, route: route}
}

// Fetch 执行一次回源，并完整读入响应正文。只有传输层错误才返回 error。
func (u *Upstream) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	target := u.resolve(req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(httpReq.Header, req.Header)
	// 交给 Transport 自动协商并解压，快照中只保存明文正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host
	if u.isSameOrigin(req.URL) {
		httpReq.Header.Set("X-Forwarded-Host", u.route.Origin.Host)
		httpReq.Header.Set("X-Forwarded-Proto", u.route.Origin.Scheme)
		httpReq.Header.Set("X-Forwarded-Port", routePort(u.route))
	} else {
		// 跨域请求不能携带 App 域名下的会话。
		httpReq.Header.Del("Cookie")
	}
	if req.NoCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", maxBodyBytes)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}

func (u *Upstream) isSameOrigin(target *url.URL) bool {
	if u.route == nil || u.route.Origin == nil || target == nil {
		return false
	}
	return strings.EqualFold(target.Host, u.route.Origin.Host)
}

// resolve 把客户端视角的地址映射到上游：保留 Upstream 自带的路径前缀。
func (u *Upstream) resolve(target *url.URL) *url.URL {
	if !u.isSameOrigin(target) || u.route.UpstreamURL == nil {
		return target
	}
	base := u.route.UpstreamURL
	joined := path.Join("/", base.Path, target.Path)
	if strings.HasSuffix(target.Path, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return &url.URL{
		Scheme:   base.Scheme,
		User:     base.User,
		Host:     base.Host,
		Path:     joined,
		RawQuery: target.RawQuery,
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
