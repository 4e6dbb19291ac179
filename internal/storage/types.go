package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   JSON snapshot + append-only journal
//   - "redis":  Redis server (Addr/Password/DB/KeyPrefix)
//   - "memory": process memory only (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis only; default "pagewatch"
}

// Snapshot is the last normalized text observed for a URL.
type Snapshot struct {
	URL       string    `json:"url"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription routes notifications for Target into ChannelID. GuildID is
// the chat the subscription was created from and scopes /list and
// "/unsubscribe all".
type Subscription struct {
	GuildID   int64     `json:"guild_id"`
	ChannelID int64     `json:"channel_id"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore holds one Snapshot per URL.
type SnapshotStore interface {
	HasSnapshot(ctx context.Context, url string) (bool, error)
	// GetSnapshot returns ErrNotFound when no snapshot exists for url.
	GetSnapshot(ctx context.Context, url string) (string, error)
	// PutSnapshot inserts or replaces the snapshot text for url.
	PutSnapshot(ctx context.Context, url, text string) error
}

// SubscriptionStore keeps (channel, target) pairs unique.
type SubscriptionStore interface {
	// AddSubscription reports false when (ChannelID, Target) already exists.
	AddSubscription(ctx context.Context, sub Subscription) (bool, error)
	// RemoveSubscription reports false when nothing matched.
	RemoveSubscription(ctx context.Context, channelID int64, target string) (bool, error)
	RemoveAllForGuild(ctx context.Context, guildID int64) (int, error)
	SubscriptionsForTarget(ctx context.Context, target string) ([]Subscription, error)
	SubscriptionsForGuild(ctx context.Context, guildID int64) ([]Subscription, error)
	HasSubscription(ctx context.Context, channelID int64, target string) (bool, error)
}

// Store is the persistence API used by the pipeline and the command surface.
type Store interface {
	SnapshotStore
	SubscriptionStore
	Close() error
}
