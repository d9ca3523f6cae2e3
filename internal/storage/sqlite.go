package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite"

	logx "dexwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Delivered(feed FeedKey) IDBackend {
	return &sqliteIDs{db: s.db, feed: feed.Name}
}

func (s *sqliteStore) Published(feed FeedKey) ReleaseBackend {
	return &sqliteReleases{db: s.db, feed: feed.Name}
}

func (s *sqliteStore) Subscribers() SubscriberBackend {
	return &sqliteSubscribers{db: s.db}
}

// sqliteMaxRows bounds the rows of one multi-row INSERT so its bound
// variables stay under SQLite's per-statement limit.
const sqliteMaxRows = 500

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertRows runs one INSERT per sqliteMaxRows rows. newBuilder sets up the
// table and columns; add appends row i to the builder.
func insertRows(ctx context.Context, ex execer, n int, newBuilder func() *sqlbuilder.InsertBuilder, add func(ib *sqlbuilder.InsertBuilder, i int)) error {
	for start := 0; start < n; start += sqliteMaxRows {
		ib := newBuilder()
		for i := start; i < min(start+sqliteMaxRows, n); i++ {
			add(ib, i)
		}
		q, args := ib.Build()
		if _, err := ex.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteIDs struct {
	db   *sql.DB
	feed string
}

func (b *sqliteIDs) LoadIDs(ctx context.Context) ([]string, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id").From("delivered").Where(sb.Equal("feed", b.feed)).OrderBy("seq").Asc()
	q, args := sb.Build()
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveIDs replaces the feed's delivered set inside one transaction.
func (b *sqliteIDs) SaveIDs(ctx context.Context, ids []string) error {
	return withTx(ctx, b.db, func(tx *sql.Tx) error {
		del := sqlbuilder.SQLite.NewDeleteBuilder()
		del.DeleteFrom("delivered").Where(del.Equal("feed", b.feed))
		q, args := del.Build()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		return insertRows(ctx, tx, len(ids), func() *sqlbuilder.InsertBuilder {
			ib := sqlbuilder.SQLite.NewInsertBuilder()
			ib.InsertIgnoreInto("delivered").Cols("feed", "seq", "id")
			return ib
		}, func(ib *sqlbuilder.InsertBuilder, i int) {
			ib.Values(b.feed, i, ids[i])
		})
	})
}

type sqliteReleases struct {
	db   *sql.DB
	feed string
}

func (b *sqliteReleases) LoadReleases(ctx context.Context) ([]Release, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("token_name", "token_ticker", "token_address", "img_url").
		From("published").
		Where(sb.Equal("feed", b.feed)).
		OrderBy("seq").Asc()
	q, args := sb.Build()
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rs []Release
	for rows.Next() {
		var r Release
		if err := rows.Scan(&r.Name, &r.Ticker, &r.Address, &r.ImageURL); err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

func (b *sqliteReleases) AppendReleases(ctx context.Context, rs []Release) error {
	if len(rs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return withTx(ctx, b.db, func(tx *sql.Tx) error {
		return insertRows(ctx, tx, len(rs), func() *sqlbuilder.InsertBuilder {
			ib := sqlbuilder.SQLite.NewInsertBuilder()
			ib.InsertInto("published").Cols("feed", "token_name", "token_ticker", "token_address", "img_url", "created_at")
			return ib
		}, func(ib *sqlbuilder.InsertBuilder, i int) {
			r := rs[i]
			ib.Values(b.feed, r.Name, r.Ticker, r.Address, r.ImageURL, now)
		})
	})
}

type sqliteSubscribers struct {
	db *sql.DB
}

func (b *sqliteSubscribers) LoadSubscribers(ctx context.Context) (Subscribers, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("kind", "id").From("subscribers").OrderBy("seq").Asc()
	q, args := sb.Build()
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Subscribers{}, err
	}
	defer rows.Close()
	var out Subscribers
	for rows.Next() {
		var (
			kind string
			id   int64
		)
		if err := rows.Scan(&kind, &id); err != nil {
			return Subscribers{}, err
		}
		switch kind {
		case "user":
			out.UserIDs = append(out.UserIDs, id)
		case "chat":
			out.ChatIDs = append(out.ChatIDs, id)
		}
	}
	return out, rows.Err()
}

func (b *sqliteSubscribers) SaveSubscribers(ctx context.Context, s Subscribers) error {
	return withTx(ctx, b.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlbuilder.SQLite.NewDeleteBuilder().DeleteFrom("subscribers").String()); err != nil {
			return err
		}
		users := len(s.UserIDs)
		return insertRows(ctx, tx, users+len(s.ChatIDs), func() *sqlbuilder.InsertBuilder {
			ib := sqlbuilder.SQLite.NewInsertBuilder()
			ib.InsertIgnoreInto("subscribers").Cols("kind", "id", "seq")
			return ib
		}, func(ib *sqlbuilder.InsertBuilder, i int) {
			if i < users {
				ib.Values("user", s.UserIDs[i], i)
				return
			}
			ib.Values("chat", s.ChatIDs[i-users], i)
		})
	})
}
