package session

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// Store is the persistence boundary for everything the session manager
// needs to survive a process restart or browser redirect (spec §6):
// logged-in sessions, and in-progress login/logout checkpoints, both keyed
// by actor.
type Store interface {
	SaveLoggedIn(StoredSession) error
	LoadLoggedIn(actor string) (StoredSession, bool, error)
	DeleteLoggedIn(actor string) error

	SaveLoginInProgress(InProgress) error
	LoadLoginInProgress(actor string) (InProgress, bool, error)
	DeleteLoginInProgress(actor string) error

	SaveLogoutInProgress(InProgress) error
	LoadLogoutInProgress(actor string) (InProgress, bool, error)
	DeleteLogoutInProgress(actor string) error
}

// MemStore is an in-memory Store, the default for tests and short-lived
// processes that don't need login state to survive a restart.
type MemStore struct {
	mu            sync.RWMutex
	loggedIn      map[string]StoredSession
	loginProgress map[string]InProgress
	logoutProgr   map[string]InProgress
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		loggedIn:      make(map[string]StoredSession),
		loginProgress: make(map[string]InProgress),
		logoutProgr:   make(map[string]InProgress),
	}
}

func (m *MemStore) SaveLoggedIn(s StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedIn[s.Actor] = s
	return nil
}

func (m *MemStore) LoadLoggedIn(actor string) (StoredSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.loggedIn[actor]
	return s, ok, nil
}

func (m *MemStore) DeleteLoggedIn(actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loggedIn, actor)
	return nil
}

func (m *MemStore) SaveLoginInProgress(p InProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginProgress[p.Actor] = p
	return nil
}

func (m *MemStore) LoadLoginInProgress(actor string) (InProgress, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.loginProgress[actor]
	return p, ok, nil
}

func (m *MemStore) DeleteLoginInProgress(actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loginProgress, actor)
	return nil
}

func (m *MemStore) SaveLogoutInProgress(p InProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutProgr[p.Actor] = p
	return nil
}

func (m *MemStore) LoadLogoutInProgress(actor string) (InProgress, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.logoutProgr[actor]
	return p, ok, nil
}

func (m *MemStore) DeleteLogoutInProgress(actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logoutProgr, actor)
	return nil
}

// BoltStore is a Store backed by a bbolt database file, so
// "graffiti-sessions-logged-in", "graffiti-login-in-progress", and
// "graffiti-logout-in-progress" (spec §6) survive a process restart.
type BoltStore struct {
	db *bolt.DB
}

var (
	loggedInBucket      = []byte("graffiti-sessions-logged-in")
	loginInProgressBkt  = []byte("graffiti-login-in-progress")
	logoutInProgressBkt = []byte("graffiti-logout-in-progress")
)

// OpenBoltStore opens (creating if absent) a bbolt-backed session store.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("session: failed to open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{loggedInBucket, loginInProgressBkt, logoutInProgressBkt} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session: failed to initialize store buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltStore) Close() error { return b.db.Close() }

func put(db *bolt.DB, bucket []byte, key string, v interface{}) error {
	enc, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), enc)
	})
}

func get(db *bolt.DB, bucket []byte, key string, out interface{}) (bool, error) {
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(v, out)
	})
	return found, err
}

func del(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (b *BoltStore) SaveLoggedIn(s StoredSession) error {
	return put(b.db, loggedInBucket, s.Actor, s)
}

func (b *BoltStore) LoadLoggedIn(actor string) (StoredSession, bool, error) {
	var s StoredSession
	ok, err := get(b.db, loggedInBucket, actor, &s)
	return s, ok, err
}

func (b *BoltStore) DeleteLoggedIn(actor string) error {
	return del(b.db, loggedInBucket, actor)
}

func (b *BoltStore) SaveLoginInProgress(p InProgress) error {
	return put(b.db, loginInProgressBkt, p.Actor, p)
}

func (b *BoltStore) LoadLoginInProgress(actor string) (InProgress, bool, error) {
	var p InProgress
	ok, err := get(b.db, loginInProgressBkt, actor, &p)
	return p, ok, err
}

func (b *BoltStore) DeleteLoginInProgress(actor string) error {
	return del(b.db, loginInProgressBkt, actor)
}

func (b *BoltStore) SaveLogoutInProgress(p InProgress) error {
	return put(b.db, logoutInProgressBkt, p.Actor, p)
}

func (b *BoltStore) LoadLogoutInProgress(actor string) (InProgress, bool, error) {
	var p InProgress
	ok, err := get(b.db, logoutInProgressBkt, actor, &p)
	return p, ok, err
}

func (b *BoltStore) DeleteLogoutInProgress(actor string) error {
	return del(b.db, logoutInProgressBkt, actor)
}
