package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

// Store keeps users, the catalog and key-value checkpoints in process memory.
// It backs development runs and tests.
type Store struct {
	ids   collector.IDGenerator
	clock collector.Clock

	mu      sync.RWMutex
	users   map[string]collector.User
	byNID   map[int64]string
	bySID   map[string]string
	catalog collector.Catalog
	kv      map[string][]byte
	flushes int
}

// NewStore constructs a Store.
func NewStore(ids collector.IDGenerator, clock collector.Clock) *Store {
	return &Store{
		ids:     ids,
		clock:   clock,
		users:   make(map[string]collector.User),
		byNID:   make(map[int64]string),
		bySID:   make(map[string]string),
		catalog: make(collector.Catalog),
		kv:      make(map[string][]byte),
	}
}

func (s *Store) lookup(uid collector.UID) (string, bool) {
	if nid, ok := uid.NID(); ok {
		id, found := s.byNID[nid]
		return id, found
	}
	if sid, ok := uid.SID(); ok {
		id, found := s.bySID[sid]
		return id, found
	}
	return "", false
}

// FindByUID returns the user carrying uid.
func (s *Store) FindByUID(_ context.Context, uid collector.UID) (collector.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.lookup(uid)
	if !ok {
		return collector.User{}, collector.ErrNotFound
	}
	return s.users[id].Clone(), nil
}

// UpsertProfile merges rec into the record matching either of its identifiers
// or inserts a new record.
func (s *Store) UpsertProfile(_ context.Context, rec collector.ProfileRecord) (collector.User, error) {
	uids := rec.UIDs()
	if len(uids) == 0 {
		return collector.User{}, &collector.PersistenceError{Op: "upsert user", Err: errors.New("profile has no identifier")}
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []collector.User
	seen := map[string]bool{}
	for _, uid := range uids {
		if id, ok := s.lookup(uid); ok && !seen[id] {
			seen[id] = true
			candidates = append(candidates, s.users[id])
		}
	}

	var u collector.User
	if target, ok := collector.MergeTarget(candidates, rec); ok {
		u = target.Clone()
		s.unindex(target)
		u.ApplyProfile(rec, now, collector.TakenBy(candidates, u.ID))
	} else {
		id, err := s.ids.NewID()
		if err != nil {
			return collector.User{}, &collector.PersistenceError{Op: "upsert user", Err: err}
		}
		u = collector.NewUser(id, rec, now)
	}
	s.users[u.ID] = u
	s.index(u)
	return u.Clone(), nil
}

// MergeNameHistory folds update into the record with id.
func (s *Store) MergeNameHistory(_ context.Context, id string, update collector.NamesUpdate) (collector.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return collector.User{}, fmt.Errorf("merge name history %s: %w", id, collector.ErrNotFound)
	}
	u = u.Clone()
	u.Extra.MergeNames(update, s.clock.Now())
	s.users[id] = u
	return u.Clone(), nil
}

func (s *Store) index(u collector.User) {
	if u.NID != nil {
		s.byNID[*u.NID] = u.ID
	}
	if u.SID != nil {
		s.bySID[*u.SID] = u.ID
	}
}

func (s *Store) unindex(u collector.User) {
	if u.NID != nil && s.byNID[*u.NID] == u.ID {
		delete(s.byNID, *u.NID)
	}
	if u.SID != nil && s.bySID[*u.SID] == u.ID {
		delete(s.bySID, *u.SID)
	}
}

// Users returns the number of stored user records.
func (s *Store) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// FindBySubjects returns the catalog items for ids that exist.
func (s *Store) FindBySubjects(_ context.Context, ids []collector.SubjectID) (collector.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(collector.Catalog, len(ids))
	for _, id := range ids {
		if item, ok := s.catalog[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

// Flush upserts items and stores the checkpoint under the same lock.
func (s *Store) Flush(_ context.Context, checkpoint collector.Checkpoint, items collector.Catalog) error {
	value, err := collector.EncodeCheckpoint(checkpoint)
	if err != nil {
		return &collector.PersistenceError{Op: "flush catalog", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range items {
		s.catalog[id] = item
	}
	s.kv[collector.CheckpointKey] = value
	s.flushes++
	return nil
}

// Flushes reports how many catalog transactions were committed.
func (s *Store) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

// GetKV returns the raw value for key.
func (s *Store) GetKV(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, collector.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// SetKV stores value under key.
func (s *Store) SetKV(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

var (
	_ collector.UserStore    = (*Store)(nil)
	_ collector.CatalogStore = (*Store)(nil)
	_ collector.KVStore      = (*Store)(nil)
)
