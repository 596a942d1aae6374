package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键空间：
//
//	g/<namespace>/<generation>         代际标记
//	e/<namespace>/<generation>/<key>   gob 编码的快照
type levelStore struct {
	db *leveldb.DB

	// 写入与删除代际互斥，保证删除后不会有迟到的写入复活旧代际。
	mu sync.RWMutex
}

// NewLevelDBStore 打开（或创建）path 处的 leveldb 数据库。
func NewLevelDBStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := locator.validate(); err != nil {
		return nil, err
	}
	raw, err := s.db.Get(entryKey(locator), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := decodeGob(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Header == nil {
		snapshot.Header = http.Header{}
	}
	return &snapshot, nil
}

func (s *levelStore) Put(ctx context.Context, locator Locator, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := locator.validate(); err != nil {
		return err
	}
	raw, err := encodeGob(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.db.Has(markerKey(locator.Namespace, locator.Generation), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationNotFound
	}
	return s.db.Put(entryKey(locator), raw, nil)
}

func (s *levelStore) Remove(ctx context.Context, locator Locator) error {
	if err := locator.validate(); err != nil {
		return err
	}
	return s.db.Delete(entryKey(locator), nil)
}

func (s *levelStore) Keys(ctx context.Context, namespace, generation string) ([]string, error) {
	if err := validateScope(namespace, generation); err != nil {
		return nil, err
	}
	ok, err := s.db.Has(markerKey(namespace, generation), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}

	prefix := entryPrefix(namespace, generation)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *levelStore) Generations(ctx context.Context, namespace string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if !generationPattern.MatchString(namespace) {
		return nil, ErrInvalidNamespace
	}
	prefix := []byte("g/" + namespace + "/")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStore) CreateGeneration(ctx context.Context, namespace, generation string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	return s.db.Put(markerKey(namespace, generation), []byte{1}, nil)
}

func (s *levelStore) DeleteGeneration(ctx context.Context, namespace, generation string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateScope(namespace, generation); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(namespace, generation))
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(namespace, generation)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func markerKey(namespace, generation string) []byte {
	return []byte("g/" + namespace + "/" + generation)
}

func entryPrefix(namespace, generation string) []byte {
	return []byte("e/" + namespace + "/" + generation + "/")
}

func entryKey(locator Locator) []byte {
	return append(entryPrefix(locator.Namespace, locator.Generation), locator.Key...)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
