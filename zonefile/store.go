// Package zonefile is the content-addressed, opaque-blob store for
// zone-file payloads (spec.md §4.4, §3 "Zone-file entry"). It backs both
// the core's direct put_zonefiles/get_zonefiles RPCs and Atlas's
// peer-replicated copy (spec.md §4.5) — one local store, two ways in.
//
// Grounded on the teacher's storage/database/badger_database.go: Atlas's
// access pattern (lookup-by-hash, write-once, never range-scanned) fits
// badger's pure KV model better than leveldb's sorted keyspace, which the
// Name DB needs for its paginated range scans instead.
package zonefile

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	blocklog "github.com/blockstack/blockstackd-go/log"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleNameDB)

// Store is the local zone-file blob store.
type Store struct {
	dir string
	db  *badger.DB
}

// Open opens (creating if absent) the zone-file directory's badger store.
func Open(dir string) (*Store, error) {
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return nil, errors.Errorf("zonefile dir %q is not a directory", dir)
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrapf(err, "create zonefile dir %q", dir)
		}
	} else {
		return nil, errors.Wrapf(err, "stat zonefile dir %q", dir)
	}

	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger zonefile store at %q", dir)
	}
	return &Store{dir: dir, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Hash returns the hex content hash of blob, the key this store uses:
// sha256 followed by ripemd160 (hash160), 40 hex characters.
func Hash(blob []byte) string {
	sum := sha256.Sum256(blob)
	r := ripemd160.New()
	r.Write(sum[:])
	return hex.EncodeToString(r.Sum(nil))
}

// Get implements get_zonefile_data (spec.md §4.4): look up by hash,
// recompute it, and evict on mismatch rather than ever serving a blob
// whose bytes don't match its own key.
func (s *Store) Get(hash string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		blob = v
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if blob == nil {
		return nil, false, nil
	}
	if Hash(blob) != hash {
		logger.Error("zonefile hash mismatch, evicting", "hash", hash)
		_ = s.Delete(hash)
		return nil, false, nil
	}
	return blob, true, nil
}

// Put persists blob under its own content hash, overwriting any existing
// entry. Callers are responsible for the I2 on-chain-commitment check
// before calling this (spec.md §4.4 put_zonefiles step 3).
func (s *Store) Put(hash string, blob []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(hash), blob)
	})
}

func (s *Store) Delete(hash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(hash))
	})
}

func (s *Store) Has(hash string) bool {
	_, ok, _ := s.Get(hash)
	return ok
}

// Count reports the number of stored zone-files (getinfo's optional
// zonefile count, get_num_zonefiles).
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
