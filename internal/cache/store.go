package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Store 管理按代际（generation）分组的响应快照。
//
// 逻辑布局：
//
//	<Namespace>/<Generation>/<Key>   # 一条快照（状态码 + 响应头 + 正文）
//
// Namespace 为 App 名称；Generation 形如 <prefix>-<version>；Key 为规范化后的请求标识。
// 同一 Key 的并发写入以整条快照替换，后写入者生效。
type Store interface {
	// Get 返回快照副本。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Snapshot, error)

	// Put 写入/覆盖快照。代际未创建时返回 ErrGenerationNotFound，
	// 避免已删除的代际被迟到的写入重新创建。
	Put(ctx context.Context, locator Locator, snapshot *Snapshot) error

	// Remove 删除单条快照，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Keys 列出某代际下的全部 Key（无序）。
	Keys(ctx context.Context, namespace, generation string) ([]string, error)

	// Generations 列出 namespace 下存在的全部代际名称（按名称排序）。
	Generations(ctx context.Context, namespace string) ([]string, error)

	// CreateGeneration 创建（或打开已存在的）代际，幂等。
	CreateGeneration(ctx context.Context, namespace, generation string) error

	// DeleteGeneration 删除代际及其全部快照，不存在时不报错。
	DeleteGeneration(ctx context.Context, namespace, generation string) error

	Close() error
}

// Locator 唯一定位一条快照。
type Locator struct {
	Namespace  string
	Generation string
	Key        string
}

func (l Locator) validate() error {
	if err := validateScope(l.Namespace, l.Generation); err != nil {
		return err
	}
	if l.Key == "" {
		return errors.New("key required")
	}
	return nil
}

// Snapshot 是一次成功响应的不可变副本。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝快照，调用方可以安全修改返回值。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

var (
	// ErrNotFound 表示快照不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound 表示写入目标代际尚未创建或已被删除。
	ErrGenerationNotFound = errors.New("cache generation not found")
	// ErrInvalidGeneration 表示代际名称包含非法字符。
	ErrInvalidGeneration = errors.New("invalid cache generation name")
	// ErrInvalidNamespace 表示 namespace 为空或包含非法字符。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
)

func validateScope(namespace, generation string) error {
	if !generationPattern.MatchString(namespace) {
		return ErrInvalidNamespace
	}
	if !ValidGenerationName(generation) {
		return ErrInvalidGeneration
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
