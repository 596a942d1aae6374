package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// 驱动名称与配置文件中的 StorageDriver 对应。
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
	DriverMemory  = "memory"
)

// Options 描述打开快照存储所需的参数。
type Options struct {
	Driver        string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open 根据驱动类型构建 Store。redis 驱动会先 PING 一次，连接失败时直接返回错误。
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverFS:
		return NewFileStore(opts.Path)
	case DriverLevelDB:
		return NewLevelDBStore(filepath.Join(opts.Path, "snapshots.ldb"))
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", opts.RedisAddr, err)
		}
		return NewRedisStore(client, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
}
