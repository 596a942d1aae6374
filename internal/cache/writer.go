package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrStoreUnavailable 表示当前 App 未注入缓存存储实例。
	ErrStoreUnavailable = errors.New("cache store unavailable")
	// ErrNotStorable 表示响应不满足写入条件（仅 200 可缓存）。
	ErrNotStorable = errors.New("response not storable")
)

// 这些响应头只对单次连接有意义，不随快照保存。
var unstoredHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
	"Date",
	"Age",
}

// SnapshotWriter 封装写入前的可缓存性判断，失败的响应永远不会覆盖已有快照。
type SnapshotWriter struct {
	store Store
	now   func() time.Time
}

// NewSnapshotWriter 构造写入器，默认使用 time.Now 作为时钟。
func NewSnapshotWriter(store Store) SnapshotWriter {
	return SnapshotWriter{
		store: store,
		now:   time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w SnapshotWriter) Enabled() bool {
	return w.store != nil
}

// Storable 判断状态码是否允许写入。
func Storable(status int) bool {
	return status == http.StatusOK
}

// Put 在状态码为 200 时写入快照，header/body 会被复制。
func (w SnapshotWriter) Put(ctx context.Context, locator Locator, status int, header http.Header, body []byte) error {
	if w.store == nil {
		return ErrStoreUnavailable
	}
	if !Storable(status) {
		return ErrNotStorable
	}
	if err := locator.validate(); err != nil {
		return err
	}

	stored := header.Clone()
	if stored == nil {
		stored = http.Header{}
	}
	for _, key := range unstoredHeaders {
		stored.Del(key)
	}

	snapshot := &Snapshot{
		Status:   status,
		Header:   stored,
		Body:     append([]byte(nil), body...),
		StoredAt: w.now().UTC(),
	}
	return w.store.Put(ctx, locator, snapshot)
}
