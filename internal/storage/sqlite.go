package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pagewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required when storage.driver=sqlite")
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasSnapshot(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshots WHERE url = ?`, url).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, url string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM snapshots WHERE url = ?`, url).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return text, err
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, url, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(url, text, updated_at) VALUES(?,?,?)
		 ON CONFLICT(url) DO UPDATE SET text=excluded.text, updated_at=excluded.updated_at`,
		url, text, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(guild_id, channel_id, target, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(channel_id, target) DO NOTHING`,
		sub.GuildID, sub.ChannelID, normTarget(sub.Target), sub.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE channel_id = ? AND target = ?`, channelID, normTarget(target))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RemoveAllForGuild(ctx context.Context, guildID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE guild_id = ?`, guildID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) SubscriptionsForTarget(ctx context.Context, target string) ([]Subscription, error) {
	return s.querySubs(ctx,
		`SELECT guild_id, channel_id, target, created_at FROM subscriptions WHERE target = ? ORDER BY rowid`,
		normTarget(target))
}

func (s *sqliteStore) SubscriptionsForGuild(ctx context.Context, guildID int64) ([]Subscription, error) {
	return s.querySubs(ctx,
		`SELECT guild_id, channel_id, target, created_at FROM subscriptions WHERE guild_id = ? ORDER BY rowid`,
		guildID)
}

func (s *sqliteStore) HasSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM subscriptions WHERE channel_id = ? AND target = ?`,
		channelID, normTarget(target)).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) querySubs(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var created string
		if err := rows.Scan(&sub.GuildID, &sub.ChannelID, &sub.Target, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sub)
	}
	return out, rows.Err()
}
