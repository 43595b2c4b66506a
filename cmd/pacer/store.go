package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/djlord-it/pacer/internal/config"
	"github.com/djlord-it/pacer/internal/dispatcher"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/scheduler"
	"github.com/djlord-it/pacer/internal/sniper"
	"github.com/djlord-it/pacer/internal/store/memory"
	"github.com/djlord-it/pacer/internal/store/sqlstore"
)

// appStore is everything the service needs from persistence. Both the
// memory and SQL stores implement it.
type appStore interface {
	pacing.Store
	sniper.Store
	scheduler.Store
	dispatcher.Store
	ListDestinations(ctx context.Context) ([]domain.DestinationState, error)
	ListRecords(ctx context.Context, destination string, since time.Time) ([]domain.ActionRecord, error)
	PruneRecords(ctx context.Context, cutoff time.Time) (int, error)
}

var (
	_ appStore = (*memory.Store)(nil)
	_ appStore = (*sqlstore.Store)(nil)
)

// openedStore carries the SQL handle when the store has one; db is nil for
// memory://.
type openedStore struct {
	appStore
	db    *sql.DB
	close func() error
}

func openStore(ctx context.Context, cfg config.Config) (openedStore, error) {
	if cfg.DatabaseScheme() == "memory" {
		return openedStore{appStore: memory.New(), close: func() error { return nil }}, nil
	}
	st, err := sqlstore.Open(ctx, cfg.DatabaseURL, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return openedStore{}, err
	}
	return openedStore{appStore: st, db: st.DB(), close: st.Close}, nil
}
