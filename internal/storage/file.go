package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "pagewatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json    (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the last snapshot)
//
// The journal is replayed on open and compacted into the state file every
// compactEvery writes and on Close.
type fileStore struct {
	*memState

	log logx.Logger

	statePath   string
	journal     *os.File
	writes      int
	compactEach int
}

type fileState struct {
	Snapshots     []Snapshot     `json:"snapshots"`
	Subscriptions []Subscription `json:"subscriptions"`
}

const (
	opPutSnapshot = "put_snapshot"
	opAddSub      = "add_sub"
	opRemoveSub   = "remove_sub"
	opRemoveGuild = "remove_guild"
)

type journalRecord struct {
	Op        string        `json:"op"`
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
	Sub       *Subscription `json:"sub,omitempty"`
	ChannelID int64         `json:"channel_id,omitempty"`
	GuildID   int64         `json:"guild_id,omitempty"`
	Target    string        `json:"target,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newMemState()
	statePath := prefix + ".state.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadFileState(statePath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state file unreadable; starting from journal only", logx.String("path", statePath), logx.Err(err))
	}
	if err := replayJournal(journalPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		memState:    st,
		log:         log,
		statePath:   statePath,
		journal:     jf,
		compactEach: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) PutSnapshot(ctx context.Context, url, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{URL: url, Text: text, UpdatedAt: time.Now().UTC()}
	if err := s.appendLocked(journalRecord{Op: opPutSnapshot, Snapshot: &snap}); err != nil {
		return err
	}
	s.putSnapshotLocked(snap)
	return nil
}

func (s *fileStore) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Target = normTarget(sub.Target)
	if s.indexLocked(sub.ChannelID, sub.Target) >= 0 {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: opAddSub, Sub: &sub}); err != nil {
		return false, err
	}
	return s.addLocked(sub), nil
}

func (s *fileStore) RemoveSubscription(ctx context.Context, channelID int64, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target = normTarget(target)
	if s.indexLocked(channelID, target) < 0 {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: opRemoveSub, ChannelID: channelID, Target: target}); err != nil {
		return false, err
	}
	return s.removeLocked(channelID, target), nil
}

func (s *fileStore) RemoveAllForGuild(ctx context.Context, guildID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opRemoveGuild, GuildID: guildID}); err != nil {
		return 0, err
	}
	return s.removeGuildLocked(guildID), nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEach == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the full state atomically, then truncates the journal.
func (s *fileStore) compactLocked() error {
	state := fileState{Subscriptions: append([]Subscription(nil), s.subs...)}
	for _, snap := range s.snapshots {
		state.Snapshots = append(state.Snapshots, snap)
	}

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadFileState(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var fs fileState
	if err := json.NewDecoder(f).Decode(&fs); err != nil {
		return err
	}
	for _, snap := range fs.Snapshots {
		st.putSnapshotLocked(snap)
	}
	for _, sub := range fs.Subscriptions {
		st.addLocked(sub)
	}
	return nil
}

func replayJournal(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		switch r.Op {
		case opPutSnapshot:
			if r.Snapshot != nil {
				st.putSnapshotLocked(*r.Snapshot)
			}
		case opAddSub:
			if r.Sub != nil {
				st.addLocked(*r.Sub)
			}
		case opRemoveSub:
			st.removeLocked(r.ChannelID, r.Target)
		case opRemoveGuild:
			st.removeGuildLocked(r.GuildID)
		}
	}
	return sc.Err()
}
