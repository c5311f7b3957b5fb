package localcache

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	valuesBucket   = "values"
	modifiedBucket = "modified"
)

// BoltBackend stores entries in a BoltDB file. Bolt holds an exclusive file
// lock, so a file is shared by tabs of one process, not across processes.
type BoltBackend struct {
	db   *bbolt.DB
	path string
}

// OpenBolt opens or creates the BoltDB file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	b := &BoltBackend{db: db, path: cleanPath}
	if err := b.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltBackend) Path() string { return b.path }

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	if b == nil || b.db == nil {
		return nil, false, fmt.Errorf("storage is not configured")
	}
	var (
		out   []byte
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(valuesBucket)).Get([]byte(key))
		// Empty values may read back as nil; the stamp tells them apart from absent keys.
		found = v != nil || tx.Bucket([]byte(modifiedBucket)).Get([]byte(key)) != nil
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	return out, true, nil
}

func (b *BoltBackend) Put(key string, value []byte) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	stamp := make([]byte, 8)
	binary.BigEndian.PutUint64(stamp, uint64(time.Now().UnixNano()))

	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(valuesBucket)).Put([]byte(key), value); err != nil {
			return err
		}
		return tx.Bucket([]byte(modifiedBucket)).Put([]byte(key), stamp)
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (b *BoltBackend) Delete(key string) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(valuesBucket)).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket([]byte(modifiedBucket)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (b *BoltBackend) Entries() ([]EntryInfo, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var out []EntryInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		modified := tx.Bucket([]byte(modifiedBucket))
		return tx.Bucket([]byte(valuesBucket)).ForEach(func(k, v []byte) error {
			info := EntryInfo{Key: string(k), Size: entrySize(string(k), v)}
			if stamp := modified.Get(k); len(stamp) == 8 {
				info.Modified = time.Unix(0, int64(binary.BigEndian.Uint64(stamp)))
			}
			out = append(out, info)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return out, nil
}

func (b *BoltBackend) ensureBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{valuesBucket, modifiedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}
