package svc

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	"github.com/zeromicro/go-zero/core/syncx"

	cachekeys "tickstore/internal/cache"
	"tickstore/internal/config"
	marketpersist "tickstore/internal/persistence/market"
	"tickstore/pkg/marketdata"
	"tickstore/pkg/timeseries"
)

type ServiceContext struct {
	Config config.Config

	DBConn sqlx.SqlConn
	Store  *timeseries.Manager

	// Cache is nil when no Redis host is configured.
	Cache  gocache.Cache
	Market *marketpersist.Service
}

// NewServiceContext wires the pgx pool, the storage manager and the optional Redis
// cache. Nothing touches the database until Start.
func NewServiceContext(c config.Config) (*ServiceContext, error) {
	conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
	db, err := conn.RawDB()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(c.Postgres.MaxOpen)
	db.SetMaxIdleConns(c.Postgres.MaxIdle)
	db.SetConnMaxLifetime(c.Postgres.MaxLifetime)

	var cache gocache.Cache
	if c.CacheEnabled() {
		cache = gocache.New(
			gocache.ClusterConf{{RedisConf: c.Redis, Weight: 100}},
			syncx.NewSingleFlight(),
			gocache.NewStat(c.Name),
			sqlx.ErrNotFound,
		)
	}
	return NewServiceContextFrom(c, conn, cache), nil
}

// NewServiceContextFrom wires the service context over an existing connection.
func NewServiceContextFrom(c config.Config, conn sqlx.SqlConn, cache gocache.Cache) *ServiceContext {
	store := timeseries.NewManager(conn, c.StorageConfig().ManagerOptions()...)
	return &ServiceContext{
		Config: c,
		DBConn: conn,
		Store:  store,
		Cache:  cache,
		Market: marketpersist.NewService(marketpersist.Config{
			Manager: store,
			Cache:   cache,
			TTL:     cachekeys.NewTTLSet(c.TTL),
		}),
	}
}

// Start verifies the extension and registers every configured table.
func (s *ServiceContext) Start(ctx context.Context) error {
	if err := s.Store.Initialize(ctx); err != nil {
		return err
	}
	if err := marketdata.RegisterTables(ctx, s.Store, s.Config.StorageConfig()); err != nil {
		return err
	}
	logx.WithContext(ctx).Infof("tickstore: storage ready timescaledb=%s tables=%d",
		s.Store.ExtensionVersion(), len(s.Store.Bindings()))
	return nil
}

// Close shuts the storage manager down; the pool goes with it.
func (s *ServiceContext) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	if err := s.Store.Close(); err != nil && !errors.Is(err, timeseries.ErrClosed) {
		return err
	}
	return nil
}
