package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	metaSuffix = ".meta.json"
	bodySuffix = ".body"
	tempPrefix = ".tmp-"
)

// errCorruptMeta 表示提交标记无法解析。读取时按未命中处理，删除与清理时直接移除。
var errCorruptMeta = errors.New("corrupt cache meta")

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 目录布局：<base>/entries/<2位分片>/<sha256(key)>.meta.json 为提交标记，
// 正文写入带 uuid 代号的 <sha256(key)>-<uuid>.body。meta 的 rename 即提交点，
// 因此读者要么看到旧条目，要么看到新条目，不会读到半截文件。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, "entries")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage path: %v", ErrStorageUnavailable, err)
	}

	store := &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}
	store.sweep()
	return store, nil
}

// fileStore 通过 entryLock 避免同一 Key 并发写入。
type fileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fsMeta 是落盘的提交标记，Body 指向当前代的正文文件名。
type fsMeta struct {
	Entry
	Body string `json:"body"`
}

func (s *fileStore) Get(ctx context.Context, key Key) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dir, name := s.paths(key)
	meta, err := readMeta(filepath.Join(dir, name+metaSuffix))
	if errors.Is(err, errCorruptMeta) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, meta.Body))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, classify(err)
	}
	if info.Size() != meta.SizeBytes {
		// 正文与提交标记不一致，视为未命中，交由上层重新拉取
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  meta.Entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, entry Entry, body io.Reader) (*Entry, error) {
	if entry.Key == "" {
		return nil, ErrInvalidKey
	}
	unlock := s.lockEntry(entry.Key)
	defer unlock()

	dir, name := s.paths(entry.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, classify(err)
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, classify(err)
	}
	tempName := tempFile.Name()

	written, err := writeBody(ctx, tempFile, body, entry)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, classify(err)
	}

	bodyName := name + "-" + uuid.NewString() + bodySuffix
	bodyPath := filepath.Join(dir, bodyName)
	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, classify(err)
	}

	metaPath := filepath.Join(dir, name+metaSuffix)
	previous, _ := readMeta(metaPath)

	entry.SizeBytes = written
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if err := writeMeta(dir, metaPath, fsMeta{Entry: entry, Body: bodyName}); err != nil {
		os.Remove(bodyPath)
		return nil, classify(err)
	}

	switch {
	case previous != nil && previous.Body != bodyName:
		os.Remove(filepath.Join(dir, previous.Body))
	case previous == nil:
		// 旧标记损坏时不知道旧正文的代号，按前缀清理
		removeBodies(dir, name, bodyName)
	}
	return &entry, nil
}

func (s *fileStore) Delete(ctx context.Context, key Key) error {
	unlock := s.lockEntry(key)
	defer unlock()

	dir, name := s.paths(key)
	metaPath := filepath.Join(dir, name+metaSuffix)
	meta, err := readMeta(metaPath)
	if errors.Is(err, errCorruptMeta) {
		if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classify(err)
		}
		removeBodies(dir, name, "")
		return nil
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	// 先删提交标记，条目立即不可见；正文随后清理
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classify(err)
	}
	if err := os.Remove(filepath.Join(dir, meta.Body)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classify(err)
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			// 损坏的标记不阻塞列举
			return nil
		}
		entries = append(entries, meta.Entry)
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	sortEntries(entries)
	return entries, nil
}

// sweep 清理崩溃残留：未完成的临时文件、无法解析的提交标记以及没有提交标记引用的正文。
func (s *fileStore) sweep() {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, shard.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		referenced := make(map[string]struct{})
		for _, f := range files {
			if strings.HasSuffix(f.Name(), metaSuffix) {
				metaPath := filepath.Join(dir, f.Name())
				meta, err := readMeta(metaPath)
				switch {
				case err == nil:
					referenced[meta.Body] = struct{}{}
				case errors.Is(err, errCorruptMeta):
					os.Remove(metaPath)
				}
			}
		}
		for _, f := range files {
			name := f.Name()
			_, live := referenced[name]
			if strings.HasPrefix(name, tempPrefix) || (strings.HasSuffix(name, bodySuffix) && !live) {
				os.Remove(filepath.Join(dir, name))
			}
		}
	}
}

func (s *fileStore) lockEntry(key Key) func() {
	k := string(key)
	s.mu.Lock()
	lock := s.locks[k]
	if lock == nil {
		lock = &entryLock{}
		s.locks[k] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, k)
		}
		s.mu.Unlock()
	}
}

// paths 返回 Key 对应的分片目录与文件名前缀。
func (s *fileStore) paths(key Key) (string, string) {
	name := key.Digest().Encoded()
	return filepath.Join(s.root, name[:2]), name
}

func readMeta(path string) (*fsMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	var meta fsMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorruptMeta, filepath.Base(path), err)
	}
	if meta.Body == "" || strings.ContainsRune(meta.Body, os.PathSeparator) {
		return nil, fmt.Errorf("%w %s: invalid body reference", errCorruptMeta, filepath.Base(path))
	}
	return &meta, nil
}

// removeBodies 删除 name 名下除 keep 之外的所有正文代。
func removeBodies(dir, name, keep string) {
	matches, _ := filepath.Glob(filepath.Join(dir, name+"-*"+bodySuffix))
	for _, path := range matches {
		if filepath.Base(path) != keep {
			os.Remove(path)
		}
	}
}

func writeMeta(dir, metaPath string, meta fsMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, metaPath)
	}
	if err != nil {
		os.Remove(tempName)
	}
	return err
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
}
