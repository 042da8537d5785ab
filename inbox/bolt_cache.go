package inbox

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	messagesBucketName = []byte("m")
	queriesBucketName  = []byte("q")
)

// BoltCache is a Cache backed by a bbolt database file: the persistent
// "graffiti-inbox-cache" with its "m" (messages) and "q" (per-query state)
// stores (spec §6), so a stream suspended mid-flight can resume after the
// process itself restarts.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens (creating if absent) a bbolt-backed cache at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("inbox: failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messagesBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(queriesBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inbox: failed to initialize cache stores: %w", err)
	}

	return &BoltCache{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltCache) Close() error { return b.db.Close() }

// GetMessage implements Cache.
func (b *BoltCache) GetMessage(key string) (LabeledMessage, bool, error) {
	var lm LabeledMessage
	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucketName).Get([]byte(key))
		if v == nil {
			return nil
		}
		decoded, err := DecodeLabeledMessage(v)
		if err != nil {
			return err
		}
		lm, found = decoded, true
		return nil
	})
	return lm, found, err
}

// PutMessage implements Cache.
func (b *BoltCache) PutMessage(key string, lm LabeledMessage) error {
	enc, err := lm.Encode()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucketName).Put([]byte(key), enc)
	})
}

// queryCacheEntryWire is the binary-encoded form of a QueryCacheEntry
// persisted in the "q" store.
type queryCacheEntryWire struct {
	Cursor     string     `cbor:"cursor"`
	Version    string     `cbor:"version"`
	MessageIDs []string   `cbor:"messageIds"`
	WaitUntil  *time.Time `cbor:"waitTil,omitempty"`
	Kind       string     `cbor:"kind"`
	Done       bool       `cbor:"done"`
	Tags       [][]byte   `cbor:"tags,omitempty"`
}

// GetQuery implements Cache.
func (b *BoltCache) GetQuery(cacheKey string) (QueryCacheEntry, bool, error) {
	var entry QueryCacheEntry
	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queriesBucketName).Get([]byte(cacheKey))
		if v == nil {
			return nil
		}
		var wire queryCacheEntryWire
		if err := cbor.Unmarshal(v, &wire); err != nil {
			return err
		}
		entry = QueryCacheEntry{
			Cursor:     wire.Cursor,
			Version:    wire.Version,
			MessageIDs: wire.MessageIDs,
			WaitUntil:  wire.WaitUntil,
			Kind:       wire.Kind,
			Done:       wire.Done,
			Tags:       wire.Tags,
		}
		found = true
		return nil
	})
	return entry, found, err
}

// PutQuery implements Cache.
func (b *BoltCache) PutQuery(cacheKey string, entry QueryCacheEntry) error {
	wire := queryCacheEntryWire{
		Cursor:     entry.Cursor,
		Version:    entry.Version,
		MessageIDs: entry.MessageIDs,
		WaitUntil:  entry.WaitUntil,
		Kind:       entry.Kind,
		Done:       entry.Done,
		Tags:       entry.Tags,
	}
	enc, err := cbor.Marshal(wire)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queriesBucketName).Put([]byte(cacheKey), enc)
	})
}

// DeleteQuery implements Cache.
func (b *BoltCache) DeleteQuery(cacheKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queriesBucketName).Delete([]byte(cacheKey))
	})
}
