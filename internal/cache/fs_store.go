package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘分区存储，整站复用一份实例。
//
// 磁盘布局：
//
//	<basePath>/<partition>/<sha1(key)>.entry
//
// .entry 文件首行是 JSON 元数据（key/status/header/type），随后是原始正文；
// 写入走临时文件 + rename，因此 Match 永远读到完整的旧条目或新条目。
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有分区共享锁表。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type filePartition struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) partitionDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid partition name %q", name)
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := p.entryPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	rec, err := readRecordHeader(reader)
	if err != nil {
		return nil, err
	}
	if rec.Key != key {
		// sha1 冲突或目录被外部改写，都按未命中处理。
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read cached body: %w", err)
	}
	return rec.response(body), nil
}

func (p *filePartition) Put(ctx context.Context, key string, resp *Response) error {
	stored, err := prepareForPut(key, resp)
	if err != nil {
		return err
	}
	unlock := p.storage.lockEntry(p.name, key)
	defer unlock()

	filePath, err := p.entryPath(key)
	if err != nil {
		return err
	}
	if info, err := os.Stat(p.dir); err != nil || !info.IsDir() {
		return ErrPartitionDeleted
	}

	meta, err := encodeRecord(newRecord(key, stored, false))
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(p.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(meta), strings.NewReader("\n"), bytes.NewReader(stored.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
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
		return err
	}
	return nil
}

func (p *filePartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := p.storage.lockEntry(p.name, key)
	defer unlock()

	filePath, err := p.entryPath(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *filePartition) Entries(ctx context.Context) ([]EntryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	infos := make([]EntryInfo, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		rec, err := readRecordFile(filepath.Join(p.dir, item.Name()))
		if err != nil {
			// 条目可能在遍历期间被删除或替换。
			continue
		}
		infos = append(infos, EntryInfo{Key: rec.Key, SizeBytes: rec.Size, StoredAt: fromMillis(rec.StoredAt)})
	}
	sortEntries(infos)
	return infos, nil
}

func (p *filePartition) entryPath(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidName
	}
	sum := sha1.Sum([]byte(key))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}

func (s *fileStorage) lockEntry(partition, key string) func() {
	lockKey := partition + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func readRecordFile(filePath string) (record, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return record{}, err
	}
	defer f.Close()
	return readRecordHeader(bufio.NewReader(f))
}

func readRecordHeader(reader *bufio.Reader) (record, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return record{}, fmt.Errorf("read cache record: %w", err)
	}
	return decodeRecord(bytes.TrimSuffix(line, []byte("\n")))
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage path: %w", err)
	}
	return nil
}
