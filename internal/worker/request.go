package worker

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class 表示请求被路由到的策略。
type Class string

const (
	ClassPassthrough Class = "passthrough"
	ClassNavigation  Class = "navigation"
	ClassStatic      Class = "static"
	ClassCrossOrigin Class = "cross-origin"
)

// Outcome 描述一次路由最终由谁给出响应，会写入 X-Shellgate-Outcome。
type Outcome string

const (
	OutcomePassthrough     Outcome = "passthrough"
	OutcomeNetwork         Outcome = "network"
	OutcomeShellFallback   Outcome = "shell-fallback"
	OutcomeOfflineDocument Outcome = "offline-document"
	OutcomeHit             Outcome = "hit"
	OutcomeMissFetch       Outcome = "miss-fetch"
	OutcomeMissFallback    Outcome = "miss-fallback"
	OutcomeTotalFailure    Outcome = "total-failure"
)

// Request 是被拦截的一次请求，仅在路由期间存在。
// URL 为客户端视角的绝对地址（scheme://host/path?query）。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        string // Sec-Fetch-Mode
	Destination string // Sec-Fetch-Dest
	Header      http.Header
	Body        []byte

	// NoCache 要求网络层附带 no-cache 指令，绕过中间 HTTP 缓存。
	NoCache bool
}

// NewRequest 根据方法、地址与请求头构造 Request，并从 Sec-Fetch-* 中提取模式与目标类型。
func NewRequest(method string, u *url.URL, header http.Header, body []byte) *Request {
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method:      strings.ToUpper(method),
		URL:         u,
		Mode:        strings.ToLower(header.Get("Sec-Fetch-Mode")),
		Destination: strings.ToLower(header.Get("Sec-Fetch-Dest")),
		Header:      header,
		Body:        body,
	}
}

// IsNavigation 判断是否为页面导航：显式 navigate 模式，或未声明模式但 Accept 包含 text/html。
func (r *Request) IsNavigation() bool {
	if r.Mode == "navigate" {
		return true
	}
	if r.Mode != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
	".avif": {},
	".svg":  {},
	".ico":  {},
	".bmp":  {},
}

// IsImage 判断请求是否期望图片资源。
func (r *Request) IsImage() bool {
	if r.Destination == "image" {
		return true
	}
	if r.Destination != "" && r.Destination != "empty" {
		return false
	}
	accept := r.Header.Get("Accept")
	if strings.HasPrefix(accept, "image/") {
		return true
	}
	if r.URL == nil {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(r.URL.Path))]
	return ok
}

// Response 是路由产出的完整响应，正文已全部读入内存。
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	Outcome    Outcome
	Generation string
}

// RequestKey 规范化请求标识：清理后的路径（保留结尾斜杠），存在查询串时追加 ?query，忽略 fragment。
func RequestKey(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	if u.RawQuery != "" {
		return cleaned + "?" + u.RawQuery
	}
	return cleaned
}
