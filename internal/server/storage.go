package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/mbd888/txguard/internal/transactions"
	"github.com/mbd888/txguard/migrations"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// openStore chooses PostgreSQL when DATABASE_URL is set, Bolt when
// BOLT_PATH is, and memory otherwise.
func (s *Server) openStore(ctx context.Context) error {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := openPostgres(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		s.db = db
		s.store = transactions.NewPostgresStore(db)
		s.closeStore = db.Close
		s.logger.Info("storage: postgres", "url", maskDSN(s.cfg.DatabaseURL))

	case s.cfg.BoltPath != "":
		store, err := transactions.OpenBoltStore(s.cfg.BoltPath)
		if err != nil {
			return err
		}
		s.store = store
		s.closeStore = store.Close
		s.logger.Info("storage: bolt", "path", s.cfg.BoltPath)

	default:
		s.store = transactions.NewMemoryStore()
		s.logger.Warn("storage: memory; transactions are lost on restart")
	}
	return nil
}

// openPostgres connects, sizes the pool, and brings the schema up to date.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// maskDSN replaces the password in a URL-style DSN.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
