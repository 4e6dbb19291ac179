package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pagewatch/pkg/logx"
)

// redisStore layout (prefix defaults to "pagewatch"):
//
//	<p>:snapshot:<url>          hash {text, updated_at}
//	<p>:sub:<channel>:<target>  JSON Subscription
//	<p>:subs:target:<target>    zset of <channel>, scored by creation time
//	<p>:subs:guild:<guild>      zset of <channel>:<target>
const maxWatchRetries = 5

type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required when storage.driver=redis")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, prefix string, log logx.Logger) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pagewatch"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) snapKey(url string) string { return s.prefix + ":snapshot:" + url }
func (s *redisStore) subKey(channelID int64, target string) string {
	return s.prefix + ":sub:" + strconv.FormatInt(channelID, 10) + ":" + target
}
func (s *redisStore) targetKey(target string) string { return s.prefix + ":subs:target:" + target }
func (s *redisStore) guildKey(guildID int64) string {
	return s.prefix + ":subs:guild:" + strconv.FormatInt(guildID, 10)
}

func (s *redisStore) HasSnapshot(ctx context.Context, url string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.snapKey(url)).Result()
	return n > 0, err
}

func (s *redisStore) GetSnapshot(ctx context.Context, url string) (string, error) {
	text, err := s.rdb.HGet(ctx, s.snapKey(url), "text").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return text, err
}

func (s *redisStore) PutSnapshot(ctx context.Context, url, text string) error {
	return s.rdb.HSet(ctx, s.snapKey(url),
		"text", text,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

func (s *redisStore) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Target = normTarget(sub.Target)
	b, err := json.Marshal(sub)
	if err != nil {
		return false, err
	}
	key := s.subKey(sub.ChannelID, sub.Target)
	tkey, gkey := s.targetKey(sub.Target), s.guildKey(sub.GuildID)
	score := float64(sub.CreatedAt.UnixNano())
	member := strconv.FormatInt(sub.ChannelID, 10)

	added := false
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n > 0 {
			return err
		}
		// ZADD on a key of another type fails inside EXEC without undoing the SET.
		for _, k := range []string{tkey, gkey} {
			typ, err := tx.Type(ctx, k).Result()
			if err != nil {
				return err
			}
			if typ != "none" && typ != "zset" {
				return fmt.Errorf("redis: %s holds a %s, want zset", k, typ)
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			p.ZAdd(ctx, tkey, redis.Z{Score: score, Member: member})
			p.ZAdd(ctx, gkey, redis.Z{Score: score, Member: member + ":" + sub.Target})
			return nil
		})
		if err == nil {
			added = true
		}
		return err
	}
	for range maxWatchRetries {
		err = s.rdb.Watch(ctx, txf, key, tkey, gkey)
		if !errors.Is(err, redis.TxFailedErr) {
			return added, err
		}
	}
	return false, err
}

func (s *redisStore) RemoveSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	target = normTarget(target)
	sub, ok, err := s.getSub(ctx, channelID, target)
	if err != nil || !ok {
		return false, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.subKey(channelID, target))
		p.ZRem(ctx, s.targetKey(target), strconv.FormatInt(channelID, 10))
		p.ZRem(ctx, s.guildKey(sub.GuildID), strconv.FormatInt(channelID, 10)+":"+target)
		return nil
	})
	return err == nil, err
}

func (s *redisStore) RemoveAllForGuild(ctx context.Context, guildID int64) (int, error) {
	members, err := s.rdb.ZRange(ctx, s.guildKey(guildID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		ch, target, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		channelID, err := strconv.ParseInt(ch, 10, 64)
		if err != nil {
			continue
		}
		removed, err := s.RemoveSubscription(ctx, channelID, target)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, s.rdb.Del(ctx, s.guildKey(guildID)).Err()
}

func (s *redisStore) SubscriptionsForTarget(ctx context.Context, target string) ([]Subscription, error) {
	target = normTarget(target)
	members, err := s.rdb.ZRange(ctx, s.targetKey(target), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		channelID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.subKey(channelID, target))
	}
	return s.loadSubs(ctx, keys)
}

func (s *redisStore) SubscriptionsForGuild(ctx context.Context, guildID int64) ([]Subscription, error) {
	members, err := s.rdb.ZRange(ctx, s.guildKey(guildID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		ch, target, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		channelID, err := strconv.ParseInt(ch, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.subKey(channelID, target))
	}
	return s.loadSubs(ctx, keys)
}

func (s *redisStore) HasSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.subKey(channelID, normTarget(target))).Result()
	return n > 0, err
}

func (s *redisStore) getSub(ctx context.Context, channelID int64, target string) (Subscription, bool, error) {
	b, err := s.rdb.Get(ctx, s.subKey(channelID, target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	var sub Subscription
	if err := json.Unmarshal(b, &sub); err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

func (s *redisStore) loadSubs(ctx context.Context, keys []string) ([]Subscription, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record; skip it
			continue
		}
		var sub Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			s.log.Warn("bad subscription record", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}
