package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memState is the in-memory model shared by the memory and file drivers.
// Subscriptions keep insertion order.
type memState struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	subs      []Subscription
}

func newMemState() *memState {
	return &memState{snapshots: map[string]Snapshot{}}
}

type memoryStore struct{ *memState }

// NewMemory returns a process-local store.
func NewMemory() Store { return memoryStore{newMemState()} }

func (memoryStore) Close() error { return nil }

func (m *memState) HasSnapshot(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[url]
	return ok, nil
}

func (m *memState) GetSnapshot(ctx context.Context, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[url]
	if !ok {
		return "", ErrNotFound
	}
	return s.Text, nil
}

func (m *memState) PutSnapshot(ctx context.Context, url, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putSnapshotLocked(Snapshot{URL: url, Text: text, UpdatedAt: time.Now().UTC()})
	return nil
}

func (m *memState) putSnapshotLocked(s Snapshot) {
	m.snapshots[s.URL] = s
}

func (m *memState) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	return m.addLocked(sub), nil
}

func (m *memState) addLocked(sub Subscription) bool {
	sub.Target = normTarget(sub.Target)
	if m.indexLocked(sub.ChannelID, sub.Target) >= 0 {
		return false
	}
	m.subs = append(m.subs, sub)
	return true
}

func (m *memState) RemoveSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(channelID, normTarget(target)), nil
}

func (m *memState) removeLocked(channelID int64, target string) bool {
	i := m.indexLocked(channelID, target)
	if i < 0 {
		return false
	}
	m.subs = append(m.subs[:i], m.subs[i+1:]...)
	return true
}

func (m *memState) RemoveAllForGuild(ctx context.Context, guildID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeGuildLocked(guildID), nil
}

func (m *memState) removeGuildLocked(guildID int64) int {
	kept := m.subs[:0]
	n := 0
	for _, s := range m.subs {
		if s.GuildID == guildID {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.subs = kept
	return n
}

func (m *memState) SubscriptionsForTarget(ctx context.Context, target string) ([]Subscription, error) {
	target = normTarget(target)
	return m.filter(func(s Subscription) bool { return s.Target == target }), nil
}

func (m *memState) SubscriptionsForGuild(ctx context.Context, guildID int64) ([]Subscription, error) {
	return m.filter(func(s Subscription) bool { return s.GuildID == guildID }), nil
}

func (m *memState) HasSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(channelID, normTarget(target)) >= 0, nil
}

func (m *memState) filter(keep func(Subscription) bool) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m *memState) indexLocked(channelID int64, target string) int {
	for i, s := range m.subs {
		if s.ChannelID == channelID && s.Target == target {
			return i
		}
	}
	return -1
}

func normTarget(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
