package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient 创建共享的 Redis 客户端。
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// maxTxRetries 限制 WATCH 事务因并发修改而重试的次数。
const maxTxRetries = 16

// redisStorage 的键布局：
//
//	<ns>:partitions            SET  分区名
//	<ns>:p:<name>:keys         SET  分区内条目键
//	<ns>:p:<name>:e:<key>      HASH status/header/body/type/url/stored_at
type redisStorage struct {
	client    *redis.Client
	namespace string
}

type redisPartition struct {
	storage *redisStorage
	name    string
}

// NewRedisStorage 基于已有客户端构建分区存储，namespace 为空时使用 offline-hub。
func NewRedisStorage(client *redis.Client, namespace string) (Storage, error) {
	if client == nil {
		return nil, ErrStoreUnavailable
	}
	if namespace == "" {
		namespace = "offline-hub"
	}
	return &redisStorage{client: client, namespace: namespace}, nil
}

func (s *redisStorage) partitionsKey() string {
	return s.namespace + ":partitions"
}

func (s *redisStorage) keysKey(name string) string {
	return s.namespace + ":p:" + name + ":keys"
}

func (s *redisStorage) entryKey(name, key string) string {
	return s.namespace + ":p:" + name + ":e:" + key
}

func (s *redisStorage) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := s.client.SAdd(ctx, s.partitionsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &redisPartition{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, s.partitionsKey(), name).Result()
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete 在 WATCH 分区集合与键集合的事务里完成，并发 Put 新增的条目不会残留。
func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		deleted = false
		exists, err := tx.SIsMember(ctx, s.partitionsKey(), name).Result()
		if err != nil || !exists {
			return err
		}
		keys, err := tx.SMembers(ctx, s.keysKey(name)).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, s.partitionsKey(), name)
			for _, key := range keys {
				pipe.Del(ctx, s.entryKey(name, key))
			}
			pipe.Del(ctx, s.keysKey(name))
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, s.partitionsKey(), s.keysKey(name))
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return deleted, nil
}

// watch 以乐观锁执行 fn，被监视的键在 EXEC 前变化时重试。
func (s *redisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key string) (*Response, error) {
	fields, err := p.storage.client.HGetAll(ctx, p.storage.entryKey(p.name, key)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	status, err := strconv.Atoi(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("decode cached status: %w", err)
	}
	header := http.Header{}
	if raw := fields["header"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &header); err != nil {
			return nil, fmt.Errorf("decode cached header: %w", err)
		}
	}
	storedAt, _ := strconv.ParseInt(fields["stored_at"], 10, 64)
	return &Response{
		Status:   status,
		Header:   header,
		Body:     []byte(fields["body"]),
		Type:     ResponseType(fields["type"]),
		URL:      fields["url"],
		StoredAt: fromMillis(storedAt),
	}, nil
}

func (p *redisPartition) Put(ctx context.Context, key string, resp *Response) error {
	stored, err := prepareForPut(key, resp)
	if err != nil {
		return err
	}
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	partitions := p.storage.partitionsKey()
	entryKey := p.storage.entryKey(p.name, key)
	// 分区存在性检查与写入处于同一个 WATCH 事务，与 Storage.Delete 互斥。
	err = p.storage.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.SIsMember(ctx, partitions, p.name).Result()
		if err != nil {
			return err
		}
		if !exists {
			return ErrPartitionDeleted
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// 先删除再写入，保证条目整体替换而不是字段级合并。
			pipe.Del(ctx, entryKey)
			pipe.HSet(ctx, entryKey, map[string]interface{}{
				"status":    stored.Status,
				"header":    string(header),
				"body":      stored.Body,
				"type":      string(stored.Type),
				"url":       stored.URL,
				"stored_at": toMillis(stored.StoredAt),
			})
			pipe.SAdd(ctx, p.storage.keysKey(p.name), key)
			return nil
		})
		return err
	}, partitions)
	if errors.Is(err, ErrPartitionDeleted) {
		return err
	}
	if err != nil {
		return fmt.Errorf("put %s into %s: %w", key, p.name, err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var deleted *redis.IntCmd
	_, err := p.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, p.storage.entryKey(p.name, key))
		pipe.SRem(ctx, p.storage.keysKey(p.name), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted.Val() > 0, nil
}

func (p *redisPartition) Entries(ctx context.Context) ([]EntryInfo, error) {
	keys, err := p.storage.client.SMembers(ctx, p.storage.keysKey(p.name)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	sizes := make([]*redis.IntCmd, len(keys))
	stamps := make([]*redis.StringCmd, len(keys))
	_, err = p.storage.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			entryKey := p.storage.entryKey(p.name, key)
			sizes[i] = pipe.HStrLen(ctx, entryKey, "body")
			stamps[i] = pipe.HGet(ctx, entryKey, "stored_at")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	infos := make([]EntryInfo, 0, len(keys))
	for i, key := range keys {
		raw, stampErr := stamps[i].Result()
		if stampErr != nil {
			// 条目已被删除但键集合尚未清理。
			continue
		}
		storedAt, _ := strconv.ParseInt(raw, 10, 64)
		infos = append(infos, EntryInfo{Key: key, SizeBytes: sizes[i].Val(), StoredAt: fromMillis(storedAt)})
	}
	sortEntries(infos)
	return infos, nil
}
