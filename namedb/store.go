// Package namedb is the materialized Name DB: the persistent state the
// state engine (spec.md §2 item 3, external) replays filtered transactions
// into, and that RPC handlers read back through short-lived, snapshot
// isolated Views (spec.md §4.3, §5).
//
// Grounded on the teacher's storage/database (db_manager.go accessor
// interface, leveldb_database.go driver) generalized from RLP-encoded
// chain structures to JSON-encoded name/namespace records, and on
// common/cache.go for the read-through caches.
package namedb

import (
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/blockstack/blockstackd-go/common"
	blocklog "github.com/blockstack/blockstackd-go/log"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleNameDB)

// OpenFileLimit mirrors the teacher's package-level tunable for the
// number of OS file handles leveldb may hold open.
var OpenFileLimit = 64

func ldbOptions(cacheSizeMB, numHandles int) *opt.Options {
	if cacheSizeMB < 16 {
		cacheSizeMB = 16
	}
	if numHandles < 16 {
		numHandles = 16
	}
	return &opt.Options{
		OpenFilesCacheCapacity: numHandles,
		BlockCacheCapacity:     cacheSizeMB / 2 * opt.MiB,
		WriteBuffer:            cacheSizeMB / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
}

// Store is the single writer onto the Name DB. Only the Indexing
// Supervisor (through the state engine) ever calls the write methods;
// every RPC handler goes through a View instead (spec.md §5 — multi-reader
// / single-writer).
type Store struct {
	path      string
	db        *leveldb.DB
	lastblock int64 // atomic; mirrors the persisted meta/lastblock key

	nameCache      common.Cache
	namespaceCache common.Cache
	consensusCache common.Cache
}

// Open opens (or creates) the on-disk Name DB at path. An empty path
// yields an in-memory store, used by tests and ephemeral nodes.
func Open(path string, cacheSizeMB, numHandles int) (*Store, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, ldbOptions(cacheSizeMB, numHandles))
		if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open name db at %q", path)
	}

	nameCache, _ := common.NewCache(common.LRUConfig{CacheSize: 4096})
	nsCache, _ := common.NewCache(common.LRUConfig{CacheSize: 256})
	chCache, _ := common.NewCache(common.LRUConfig{CacheSize: 4096})

	s := &Store{
		path:           path,
		db:             db,
		nameCache:      nameCache,
		namespaceCache: nsCache,
		consensusCache: chCache,
	}

	last, err := s.readLastBlock()
	if err != nil {
		db.Close()
		return nil, err
	}
	atomic.StoreInt64(&s.lastblock, last)
	return s, nil
}

func (s *Store) readLastBlock() (int64, error) {
	v, err := s.db.Get([]byte(metaLastBlock), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the leveldb handle. Only the lifecycle supervisor calls
// this, on shutdown.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastBlock returns the watermark up to which the state engine has
// replayed the chain (I3: monotonically non-decreasing).
func (s *Store) LastBlock() int64 {
	return atomic.LoadInt64(&s.lastblock)
}

// Batch accumulates writes for one block's worth of opcodes, applied
// atomically by Commit — this is the unit of work the state engine
// produces once per synced block.
type Batch struct {
	store *leveldb.Batch
	s     *Store
	block int64
	seq   int
}

// NewBatch starts a batch for the given block height.
func (s *Store) NewBatch(block int64) *Batch {
	return &Batch{store: new(leveldb.Batch), s: s, block: block}
}

func (b *Batch) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.store.Put(key, data)
	return nil
}

// PutName upserts a name record, indexes it by owner address and
// namespace, and appends a per-block history snapshot.
func (b *Batch) PutName(rec *NameRecord) error {
	if err := b.putJSON(keyName(rec.Name), rec); err != nil {
		return err
	}
	b.store.Put(keyAddrName(rec.Address, rec.Name), []byte{1})
	b.store.Put(keyAllName(rec.Name), []byte{1})
	b.store.Put(keyNSName(rec.Namespace, rec.Name), []byte{1})
	if err := b.putJSON(keyHist(rec.Name, b.block), rec); err != nil {
		return err
	}
	if err := b.putJSON(keyBlockOp(b.block, b.seq), rec); err != nil {
		return err
	}
	b.seq++
	return nil
}

// PutNamespace upserts a ready namespace record.
func (b *Batch) PutNamespace(rec *NamespaceRecord) error {
	return b.putJSON(keyNamespace(rec.NamespaceID), rec)
}

// PutNamespaceReveal upserts a not-yet-ready (reveal phase) namespace.
func (b *Batch) PutNamespaceReveal(rec *NamespaceRecord) error {
	return b.putJSON(keyNamespaceReveal(rec.NamespaceID), rec)
}

// PutConsensusHash records the per-block consensus hash and its reverse
// index (I4).
func (b *Batch) PutConsensusHash(block int64, hash string) {
	b.store.Put(keyConsensus(block), []byte(hash))
	b.store.Put(keyConsensusReverse(hash), []byte(zpad(block)))
}

// PutZonefileCommitment records an on-chain (name, value_hash, txid)
// triple — the fact I2 checks against when put_zonefiles arrives.
func (b *Batch) PutZonefileCommitment(c *ZonefileCommitment) error {
	return b.putJSON(keyZonefileTx(c.ValueHash, c.TxID), c)
}

// Commit applies the batch and advances the persisted lastblock watermark
// (I3). Called once per synced block by the state engine.
func (b *Batch) Commit() error {
	data, err := json.Marshal(b.block)
	if err != nil {
		return err
	}
	b.store.Put([]byte(metaLastBlock), data)
	if err := b.s.db.Write(b.store, nil); err != nil {
		return errors.Wrap(err, "commit name db batch")
	}
	atomic.StoreInt64(&b.s.lastblock, b.block)
	b.s.nameCache.Purge()
	b.s.namespaceCache.Purge()
	return nil
}
