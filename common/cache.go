// Package common holds small cross-package helpers shared by namedb, atlas
// and rpc — adapted from the teacher's common/cache.go LRU wrapper, with
// common.Hash/common.Address sharding generalized to arbitrary string keys
// (names, namespace IDs, hex hashes) since this domain has no fixed-width
// account/hash type.
package common

import (
	"errors"
	"hash/fnv"
	"math"

	lru "github.com/hashicorp/golang-lru"

	blocklog "github.com/blockstack/blockstackd-go/log"
)

type CacheType int

const (
	LRUCacheType CacheType = iota
	LRUShardCacheType
)

// it's set by flag
var DefaultCacheType = LRUCacheType
var CacheScale = 100 // cache size = preset size * CacheScale / 100
var logger = blocklog.NewModuleLogger(blocklog.ModuleCommon)

type CacheKey interface {
	ShardKey() string
}

// StringKey is the CacheKey used for names, namespace IDs and hex hashes.
type StringKey string

func (k StringKey) ShardKey() string { return string(k) }

type Cache interface {
	Add(key CacheKey, value interface{}) (evicted bool)
	Get(key CacheKey) (value interface{}, ok bool)
	Contains(key CacheKey) bool
	Remove(key CacheKey)
	Purge()
}

type lruCache struct {
	lru *lru.Cache
}

func (cache *lruCache) Add(key CacheKey, value interface{}) (evicted bool) {
	return cache.lru.Add(key.ShardKey(), value)
}

func (cache *lruCache) Get(key CacheKey) (value interface{}, ok bool) {
	return cache.lru.Get(key.ShardKey())
}

func (cache *lruCache) Contains(key CacheKey) bool {
	return cache.lru.Contains(key.ShardKey())
}

func (cache *lruCache) Remove(key CacheKey) {
	cache.lru.Remove(key.ShardKey())
}

func (cache *lruCache) Purge() {
	cache.lru.Purge()
}

// lruShardCache spreads entries across a power-of-two number of shards by
// FNV hash of the string key, avoiding a single lock around hot lookups.
type lruShardCache struct {
	shards         []*lru.Cache
	shardIndexMask int
}

func shardIndex(key string, mask int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) & mask
}

func (cache *lruShardCache) Add(key CacheKey, val interface{}) (evicted bool) {
	k := key.ShardKey()
	return cache.shards[shardIndex(k, cache.shardIndexMask)].Add(k, val)
}

func (cache *lruShardCache) Get(key CacheKey) (value interface{}, ok bool) {
	k := key.ShardKey()
	return cache.shards[shardIndex(k, cache.shardIndexMask)].Get(k)
}

func (cache *lruShardCache) Contains(key CacheKey) bool {
	k := key.ShardKey()
	return cache.shards[shardIndex(k, cache.shardIndexMask)].Contains(k)
}

func (cache *lruShardCache) Remove(key CacheKey) {
	k := key.ShardKey()
	cache.shards[shardIndex(k, cache.shardIndexMask)].Remove(k)
}

func (cache *lruShardCache) Purge() {
	for _, shard := range cache.shards {
		s := shard
		go s.Purge()
	}
}

func NewCache(config CacheConfiger) (Cache, error) {
	if config == nil {
		return nil, errors.New("cache config is nil")
	}
	return config.newCache()
}

type CacheConfiger interface {
	newCache() (Cache, error)
}

type LRUConfig struct {
	CacheSize int
}

func (c LRUConfig) newCache() (Cache, error) {
	cacheSize := c.CacheSize * CacheScale / 100
	l, err := lru.New(cacheSize)
	return &lruCache{l}, err
}

type LRUShardConfig struct {
	CacheSize int
	NumShards int
}

const (
	minShardSize = 10
	minNumShards = 2
)

// The number of shards is readjusted to meet the minimum shard size.
func (c LRUShardConfig) newCache() (Cache, error) {
	cacheSize := c.CacheSize * CacheScale / 100

	if cacheSize < 1 {
		logger.Error("negative cache size", "cacheSize", cacheSize, "cacheScale", CacheScale)
		return nil, errors.New("must provide a positive size")
	}

	numShards := c.makeNumShardsPowOf2()
	if c.NumShards != numShards {
		logger.Warn("adjusted shard count", "expected", c.NumShards, "actual", numShards)
	}
	if cacheSize%numShards != 0 {
		logger.Warn("adjusted cache size", "expected", cacheSize, "actual", cacheSize-(cacheSize%numShards))
	}

	lruShard := &lruShardCache{shards: make([]*lru.Cache, numShards), shardIndexMask: numShards - 1}
	shardsSize := cacheSize / numShards
	var err error
	for i := 0; i < numShards; i++ {
		lruShard.shards[i], err = lru.New(shardsSize)
		if err != nil {
			return nil, err
		}
	}
	return lruShard, nil
}

func (c LRUShardConfig) makeNumShardsPowOf2() int {
	maxNumShards := float64(c.CacheSize * CacheScale / 100 / minShardSize)
	numShards := int(math.Min(float64(c.NumShards), maxNumShards))

	preNumShards := minNumShards
	for numShards > minNumShards {
		preNumShards = numShards
		numShards = numShards & (numShards - 1)
	}
	return preNumShards
}
