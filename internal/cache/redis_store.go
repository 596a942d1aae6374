package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "shellgate"

// 代际集合被并发修改（如创建下一版本的代际）时 WATCH 事务会失败，Put 最多重试这么多次。
const redisPutAttempts = 5

// redis 键空间：
//
//	<prefix>:gens:<namespace>                     代际集合
//	<prefix>:keys:<namespace>:<generation>        代际内的 Key 集合
//	<prefix>:entry:<namespace>:<generation>:<key> JSON 编码的快照
type redisStore struct {
	client *redis.Client
	prefix string

	// beforeExec 在 WATCH 检查之后、EXEC 之前调用，仅测试注入。
	beforeExec func(attempt int)
}

// NewRedisStore 基于已建立的 redis 客户端构建快照存储，prefix 为空时使用 "shellgate"。
func NewRedisStore(client *redis.Client, prefix string) (Store, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	if err := locator.validate(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.entryKey(locator)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Header == nil {
		snapshot.Header = http.Header{}
	}
	return &snapshot, nil
}

func (s *redisStore) Put(ctx context.Context, locator Locator, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	if err := locator.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	gensKey := s.gensKey(locator.Namespace)
	// WATCH 代际集合：若期间代际被删除，事务失败，不会留下孤立快照。
	// 事务失败只说明集合变过，重试时重新检查代际是否仍然存在。
	var lastErr error
	for attempt := 0; attempt < redisPutAttempts; attempt++ {
		txf := func(tx *redis.Tx) error {
			exists, err := tx.SIsMember(ctx, gensKey, locator.Generation).Result()
			if err != nil {
				return err
			}
			if !exists {
				return ErrGenerationNotFound
			}
			if s.beforeExec != nil {
				s.beforeExec(attempt)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.entryKey(locator), data, 0)
				pipe.SAdd(ctx, s.keysKey(locator.Namespace, locator.Generation), locator.Key)
				return nil
			})
			return err
		}
		err := s.client.Watch(ctx, txf, gensKey)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrGenerationNotFound):
			return err
		case errors.Is(err, redis.TxFailedErr):
			lastErr = err
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("redis put: %w", ctxErr)
			}
			continue
		default:
			return fmt.Errorf("redis put: %w", err)
		}
	}
	return fmt.Errorf("redis put: generation set kept changing: %w", lastErr)
}

func (s *redisStore) Remove(ctx context.Context, locator Locator) error {
	if err := locator.validate(); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(locator))
		pipe.SRem(ctx, s.keysKey(locator.Namespace, locator.Generation), locator.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context, namespace, generation string) ([]string, error) {
	if err := validateScope(namespace, generation); err != nil {
		return nil, err
	}
	exists, err := s.client.SIsMember(ctx, s.gensKey(namespace), generation).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sismember: %w", err)
	}
	if !exists {
		return nil, ErrGenerationNotFound
	}
	keys, err := s.client.SMembers(ctx, s.keysKey(namespace, generation)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return keys, nil
}

func (s *redisStore) Generations(ctx context.Context, namespace string) ([]string, error) {
	if !generationPattern.MatchString(namespace) {
		return nil, ErrInvalidNamespace
	}
	gens, err := s.client.SMembers(ctx, s.gensKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(gens)
	return gens, nil
}

func (s *redisStore) CreateGeneration(ctx context.Context, namespace, generation string) error {
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.gensKey(namespace), generation).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteGeneration(ctx context.Context, namespace, generation string) error {
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	keysKey := s.keysKey(namespace, generation)
	// 先移出代际集合，之后的 Put 会因 WATCH 检查失败。
	if err := s.client.SRem(ctx, s.gensKey(namespace), generation).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	keys, err := s.client.SMembers(ctx, keysKey).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	victims := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		victims = append(victims, s.entryKey(Locator{Namespace: namespace, Generation: generation, Key: key}))
	}
	victims = append(victims, keysKey)
	if err := s.client.Del(ctx, victims...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) gensKey(namespace string) string {
	return s.prefix + ":gens:" + namespace
}

func (s *redisStore) keysKey(namespace, generation string) string {
	return s.prefix + ":keys:" + namespace + ":" + generation
}

func (s *redisStore) entryKey(locator Locator) string {
	return s.prefix + ":entry:" + locator.Namespace + ":" + locator.Generation + ":" + locator.Key
}
