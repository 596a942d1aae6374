package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewFileStore 以 basePath 为根目录构建磁盘快照存储，整站复用一份实例。
//
// 磁盘布局：
//
//	<basePath>/<namespace>/<generation>/<hash[:2]>/<hash>
//
// hash 为 Key 的 sha1，文件首行为 JSON 元数据（key/status/header/stored_at），其后为正文。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := locator.validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.entryPath(locator))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	reader := bufio.NewReader(f)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, err
	}
	// sha1 冲突时按未命中处理。
	if meta.Key != locator.Key {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Snapshot{
		Status:   meta.Status,
		Header:   header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	if err := locator.validate(); err != nil {
		return err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	if err := checkContext(ctx); err != nil {
		return err
	}

	filePath := s.entryPath(locator)
	bucket := filepath.Dir(filePath)
	// 只创建 bucket 这一级目录：代际目录不存在时说明代际未创建或已被删除。
	if err := os.Mkdir(bucket, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationNotFound
		}
		return err
	}

	tempFile, err := os.CreateTemp(bucket, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationNotFound
		}
		return err
	}
	tempName := tempFile.Name()

	err = writeEntry(tempFile, locator.Key, snapshot)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationNotFound
		}
		return err
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	if err := locator.validate(); err != nil {
		return err
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	if err := os.Remove(s.entryPath(locator)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, namespace, generation string) ([]string, error) {
	if err := validateScope(namespace, generation); err != nil {
		return nil, err
	}
	root := s.generationPath(namespace, generation)
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		meta, metaErr := readMeta(bufio.NewReader(f))
		f.Close()
		if metaErr != nil {
			return nil
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *fileStore) Generations(ctx context.Context, namespace string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if !generationPattern.MatchString(namespace) {
		return nil, ErrInvalidNamespace
	}
	entries, err := os.ReadDir(filepath.Join(s.basePath, namespace))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || !ValidGenerationName(entry.Name()) {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) CreateGeneration(ctx context.Context, namespace, generation string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	return os.MkdirAll(s.generationPath(namespace, generation), 0o755)
}

// DeleteGeneration 先将代际目录改名为隐藏目录再删除，保证 Generations 不会看到半删状态。
func (s *fileStore) DeleteGeneration(ctx context.Context, namespace, generation string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	src := s.generationPath(namespace, generation)
	trash := filepath.Join(s.basePath, namespace, ".trash-"+generation+"-"+uuid.NewString())
	if err := os.Rename(src, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(trash)
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationPath(namespace, generation string) string {
	return filepath.Join(s.basePath, namespace, generation)
}

func (s *fileStore) entryPath(locator Locator) string {
	sum := sha1.Sum([]byte(locator.Key))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(s.generationPath(locator.Namespace, locator.Generation), hash[:2], hash)
}

func writeEntry(w io.Writer, key string, snapshot *Snapshot) error {
	meta, err := json.Marshal(fileMeta{
		Key:      key,
		Status:   snapshot.Status,
		Header:   snapshot.Header,
		StoredAt: snapshot.StoredAt,
	})
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(w)
	if _, err := buf.Write(meta); err != nil {
		return err
	}
	if err := buf.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := buf.Write(snapshot.Body); err != nil {
		return err
	}
	return buf.Flush()
}

func readMeta(r *bufio.Reader) (fileMeta, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fileMeta{}, fmt.Errorf("read snapshot header: %w", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(bytes.TrimSuffix(line, []byte("\n")), &meta); err != nil {
		return fileMeta{}, fmt.Errorf("decode snapshot header: %w", err)
	}
	return meta, nil
}

func locatorKey(locator Locator) string {
	return locator.Namespace + "::" + locator.Generation + "::" + locator.Key
}
