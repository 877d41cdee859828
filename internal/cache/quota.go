package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// RankFunc 返回条目的保留等级，等级越低越先被淘汰。
type RankFunc func(key string) int

// QuotaOptions 控制分区容量上限与淘汰顺序。Limit <= 0 表示不限制。
type QuotaOptions struct {
	Limit  int64
	Rank   RankFunc
	Logger logrus.FieldLogger
}

// QuotaPartition 在任意 Partition 之上维护正文字节数索引，每次 Put 后按
// （rank 升序，最近使用时间升序）淘汰条目直到总量回到上限以内。
type QuotaPartition struct {
	Partition
	limit  int64
	rank   RankFunc
	logger logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*quotaEntry
	total   int64
	clock   uint64
}

type quotaEntry struct {
	size     int64
	rank     int
	lastUsed uint64
}

// WithQuota 包装分区并根据 Entries 初始化索引。
func WithQuota(ctx context.Context, p Partition, opts QuotaOptions) (*QuotaPartition, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rank := opts.Rank
	if rank == nil {
		rank = func(string) int { return 0 }
	}
	q := &QuotaPartition{
		Partition: p,
		limit:     opts.Limit,
		rank:      rank,
		logger:    logger,
		entries:   make(map[string]*quotaEntry),
	}

	infos, err := p.Entries(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].StoredAt.Before(infos[j].StoredAt) })
	for _, info := range infos {
		q.clock++
		q.entries[info.Key] = &quotaEntry{size: info.SizeBytes, rank: rank(info.Key), lastUsed: q.clock}
		q.total += info.SizeBytes
	}
	// 上限可能随配置下调，打开时先收敛一次。
	q.evict(ctx, "")
	return q, nil
}

// Usage 返回当前已用字节数与上限。
func (q *QuotaPartition) Usage() (used, limit int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total, q.limit
}

func (q *QuotaPartition) Match(ctx context.Context, key string) (*Response, error) {
	resp, err := q.Partition.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if entry, ok := q.entries[key]; ok {
		q.clock++
		entry.lastUsed = q.clock
	}
	q.mu.Unlock()
	return resp, nil
}

func (q *QuotaPartition) Put(ctx context.Context, key string, resp *Response) error {
	_, err := q.PutEvicting(ctx, key, resp)
	return err
}

// PutEvicting 写入条目并返回因超出上限而被淘汰的键，其中可能包含 key 本身。
func (q *QuotaPartition) PutEvicting(ctx context.Context, key string, resp *Response) ([]string, error) {
	if err := q.Partition.Put(ctx, key, resp); err != nil {
		return nil, err
	}
	size := resp.Size()
	q.mu.Lock()
	q.clock++
	if prev, ok := q.entries[key]; ok {
		q.total -= prev.size
	}
	q.entries[key] = &quotaEntry{size: size, rank: q.rank(key), lastUsed: q.clock}
	q.total += size
	q.mu.Unlock()

	return q.evict(ctx, key), nil
}

func (q *QuotaPartition) Delete(ctx context.Context, key string) (bool, error) {
	deleted, err := q.Partition.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	q.forget(key)
	return deleted, nil
}

func (q *QuotaPartition) forget(key string) {
	q.mu.Lock()
	if entry, ok := q.entries[key]; ok {
		q.total -= entry.size
		delete(q.entries, key)
	}
	q.mu.Unlock()
}

// evict 删除超限条目，返回实际删除成功的键。
func (q *QuotaPartition) evict(ctx context.Context, keep string) []string {
	victims := q.selectVictims(keep)
	evicted := make([]string, 0, len(victims))
	for _, key := range victims {
		if _, err := q.Partition.Delete(ctx, key); err != nil {
			q.logger.WithError(err).WithFields(logrus.Fields{
				"action":    "cache_evict",
				"partition": q.Name(),
				"key":       key,
			}).Warn("cache_evict_failed")
			continue
		}
		evicted = append(evicted, key)
		used, limit := q.Usage()
		q.logger.WithFields(logrus.Fields{
			"action":    "cache_evict",
			"partition": q.Name(),
			"key":       key,
			"used":      humanize.IBytes(uint64(used)),
			"limit":     humanize.IBytes(uint64(limit)),
		}).Debug("cache_evicted")
	}
	return evicted
}

// selectVictims 在锁内选出需要淘汰的条目并从索引移除。刚写入的 keep 仅在它独自
// 超出上限时才会被淘汰。
func (q *QuotaPartition) selectVictims(keep string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit <= 0 {
		return nil
	}

	var victims []string
	for q.total > q.limit && len(q.entries) > 0 {
		victim := ""
		var chosen *quotaEntry
		for key, entry := range q.entries {
			if key == keep && len(q.entries) > 1 {
				continue
			}
			if chosen == nil || entry.rank < chosen.rank ||
				(entry.rank == chosen.rank && entry.lastUsed < chosen.lastUsed) {
				victim, chosen = key, entry
			}
		}
		if chosen == nil {
			break
		}
		q.total -= chosen.size
		delete(q.entries, victim)
		victims = append(victims, victim)
	}
	return victims
}
