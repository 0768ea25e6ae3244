// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tcache implements the translation cache and the relay protocol that
// keeps it warm across forks.
//
// An executing child that discovers it needs a not-yet-translated block sends
// a request over a private pipe to the long-lived parent. The parent
// materializes the block into its own cache, so the next child starts with
// the block already translated. The cache handoff is advisory: a lost request
// costs translation time on the next fork, never correctness.
package tcache

import (
	"sync"
	"sync/atomic"
)

// BlockKey identifies a unit of translated code. Two keys are equal iff all
// three fields match.
type BlockKey struct {
	PC     uint64
	CSBase uint64
	Flags  uint32
}

// Block is a cached translation. The translation itself is owned by the
// Translator, the cache only tracks identity and validity.
type Block struct {
	Key     BlockKey
	invalid atomic.Bool
}

// Invalidate marks the block stale. Invalidation is driven by the external
// translator (e.g. on self-modifying code), the cache itself never does it.
func (b *Block) Invalidate() {
	b.invalid.Store(true)
}

func (b *Block) Invalid() bool {
	return b.invalid.Load()
}

// Translator materializes translated code. Implementations live outside this
// package; only one Translate call is ever in flight per Cache.
type Translator interface {
	// Translate synthesizes code for the block. Called with the mapping lock held.
	Translate(key BlockKey) error
	// Chain installs a direct control transfer from exit slot exitSlot of the
	// prior block to the next block, bypassing the dispatch loop.
	Chain(prior *Block, exitSlot int, next *Block) error
}

// Stats are cumulative counters over the cache lifetime.
type Stats struct {
	Hits    atomic.Uint64 // requests that found an existing translation
	Misses  atomic.Uint64 // requests that triggered synthesis
	Chains  atomic.Uint64 // chain edges installed
	Stale   atomic.Uint64 // chain links skipped (prior block missing or invalidated)
	Dropped atomic.Uint64 // records dropped due to translator errors
}

// Cache is the parent-side translation cache. It survives for the lifetime of
// the supervisor process; entries are never evicted by this layer.
type Cache struct {
	// mu serializes translation and chaining: only one translation may
	// proceed at a time, also against any other internal cache consumer.
	mu sync.Mutex
	// mapMu guards memory mapping operations and is held only for the
	// duration of the synthesis call itself.
	mapMu  sync.Mutex
	blocks map[BlockKey]*Block
	tr     Translator
	stats  Stats
}

func NewCache(tr Translator) *Cache {
	return &Cache{
		blocks: make(map[BlockKey]*Block),
		tr:     tr,
	}
}

// Lookup returns the cached block for key, or nil.
func (c *Cache) Lookup(key BlockKey) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[key]
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

func (c *Cache) Stats() *Stats {
	return &c.stats
}

// Materialize returns the block for key, synthesizing it if needed.
// Requesting the same key twice never synthesizes twice.
func (c *Cache) Materialize(key BlockKey) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.materializeLocked(key)
}

func (c *Cache) materializeLocked(key BlockKey) (*Block, error) {
	if b := c.blocks[key]; b != nil {
		c.stats.Hits.Add(1)
		return b, nil
	}
	c.mapMu.Lock()
	err := c.tr.Translate(key)
	c.mapMu.Unlock()
	if err != nil {
		return nil, err
	}
	b := &Block{Key: key}
	c.blocks[key] = b
	c.stats.Misses.Add(1)
	return b, nil
}

// MaterializeChained materializes key and, if the prior block is still cached
// and valid, installs a direct edge from the given exit slot of prior to it.
// A missing or invalidated prior block is tolerated: the chain link is
// skipped, the next block itself stays cached.
func (c *Cache) MaterializeChained(key BlockKey, prior BlockKey, exitSlot int) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.materializeLocked(key)
	if err != nil {
		return nil, err
	}
	pb := c.blocks[prior]
	if pb == nil || pb.Invalid() {
		c.stats.Stale.Add(1)
		return next, nil
	}
	if err := c.tr.Chain(pb, exitSlot, next); err != nil {
		c.stats.Stale.Add(1)
		return next, nil
	}
	c.stats.Chains.Add(1)
	return next, nil
}
