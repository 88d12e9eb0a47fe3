package marketpersist

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "tickstore/internal/cache"
	"tickstore/pkg/timeseries"
)

// Service records market data through the storage layer and serves cached
// latest-value and health reads.
type Service struct {
	store   *timeseries.Manager
	upserts *timeseries.UpsertEngine
	queries *timeseries.QueryExecutor
	cache   gocache.Cache
	ttl     cachekeys.TTLSet

	// generations counts invalidations per latest key. A read-through Latest that saw
	// a different generation before and after its store read drops what it cached.
	// Writers in other processes are only bounded by the short TTL.
	mu          sync.Mutex
	generations map[string]uint64
}

// Config enumerates dependencies required to persist market data.
type Config struct {
	Manager *timeseries.Manager
	Cache   gocache.Cache
	TTL     cachekeys.TTLSet
}

// NewService wires a market persistence service. Returns nil when the manager is missing.
// Cache is optional.
func NewService(cfg Config) *Service {
	if cfg.Manager == nil {
		return nil
	}
	return &Service{
		store:       cfg.Manager,
		upserts:     timeseries.NewUpsertEngine(cfg.Manager),
		queries:     timeseries.NewQueryExecutor(cfg.Manager),
		cache:       cfg.Cache,
		ttl:         cfg.TTL,
		generations: make(map[string]uint64),
	}
}

// Record upserts a batch into table and drops the cached latest value of every symbol
// the batch touched, so the next Latest read sees the write.
func (s *Service) Record(ctx context.Context, table string, payloads []timeseries.Payload) (int64, error) {
	n, err := s.upserts.BulkUpsert(ctx, table, payloads)
	if err != nil {
		return n, err
	}
	s.invalidateLatest(ctx, table, payloads)
	return n, nil
}

// Latest returns the newest payload for a symbol, from Redis when cached.
func (s *Service) Latest(ctx context.Context, table, market, instrument string) (timeseries.Payload, error) {
	b, err := s.store.Binding(table)
	if err != nil {
		return nil, err
	}
	key := cachekeys.LatestKey(b.Table.Qualified(), market, instrument)
	gen := s.generation(key)
	if s.cache != nil {
		var cached json.RawMessage
		err := s.cache.GetCtx(ctx, key, &cached)
		switch {
		case err == nil && len(cached) > 0:
			return timeseries.Payload(cached), nil
		case err != nil && !s.cache.IsNotFound(err):
			logx.WithContext(ctx).Errorf("marketpersist: load latest key=%s err=%v", key, err)
		}
	}

	p, err := s.queries.Latest(ctx, table, market, instrument)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if ttl := cachekeys.LatestTTL(s.ttl); ttl > 0 {
			if err := s.cache.SetWithExpireCtx(ctx, key, json.RawMessage(p), ttl); err != nil {
				logx.WithContext(ctx).Errorf("marketpersist: cache latest key=%s err=%v", key, err)
			} else if s.generation(key) != gen {
				if err := s.cache.DelCtx(ctx, key); err != nil {
					logx.WithContext(ctx).Errorf("marketpersist: drop stale latest key=%s err=%v", key, err)
				}
			}
		}
	}
	return p, nil
}

// Health returns the storage health report, cached for the medium TTL. Reports with
// failed probes are returned but never cached.
func (s *Service) Health(ctx context.Context) (*timeseries.HealthReport, error) {
	key := cachekeys.HealthKey()
	if s.cache != nil {
		var cached timeseries.HealthReport
		err := s.cache.GetCtx(ctx, key, &cached)
		switch {
		case err == nil:
			return &cached, nil
		case !s.cache.IsNotFound(err):
			logx.WithContext(ctx).Errorf("marketpersist: load health key=%s err=%v", key, err)
		}
	}

	report, err := s.store.Health(ctx)
	if err != nil || s.cache == nil {
		return report, err
	}
	if ttl := cachekeys.HealthTTL(s.ttl); ttl > 0 {
		if err := s.cache.SetWithExpireCtx(ctx, key, report, ttl); err != nil {
			logx.WithContext(ctx).Errorf("marketpersist: cache health key=%s err=%v", key, err)
		}
	}
	return report, nil
}

func (s *Service) invalidateLatest(ctx context.Context, table string, payloads []timeseries.Payload) {
	if s.cache == nil || len(payloads) == 0 {
		return
	}
	b, err := s.store.Binding(table)
	if err != nil {
		return
	}
	keys := make(map[string]struct{})
	for _, p := range payloads {
		nk, err := b.Entity.NaturalKey(p)
		if err != nil {
			continue
		}
		keys[cachekeys.LatestKey(b.Table.Qualified(), nk.Market, nk.Instrument)] = struct{}{}
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	sort.Strings(list)
	s.bump(list)
	if err := s.cache.DelCtx(ctx, list...); err != nil {
		logx.WithContext(ctx).Errorf("marketpersist: invalidate latest table=%s keys=%d err=%v", table, len(list), err)
	}
}

func (s *Service) generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[key]
}

func (s *Service) bump(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.generations[k]++
	}
}
