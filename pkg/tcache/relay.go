// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tcache

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/fuzzbee/fuzzbee/pkg/log"
)

// Relay wire format. Records are fixed-size and native-endian, program
// counter and context base are full native words.
//
//	block record: pc u64 | cs_base u64 | flags u32 | is_chain u8
//	chain record: pc u64 | cs_base u64 | flags u32 | exit_slot i32
//
// A chain record only ever directly follows a block record with is_chain set.
const (
	blockRecordSize = 8 + 8 + 4 + 1
	chainRecordSize = 8 + 8 + 4 + 4
)

var wireOrder = binary.NativeEndian

func putKey(buf []byte, key BlockKey) {
	wireOrder.PutUint64(buf[0:], key.PC)
	wireOrder.PutUint64(buf[8:], key.CSBase)
	wireOrder.PutUint32(buf[16:], key.Flags)
}

func getKey(buf []byte) BlockKey {
	return BlockKey{
		PC:     wireOrder.Uint64(buf[0:]),
		CSBase: wireOrder.Uint64(buf[8:]),
		Flags:  wireOrder.Uint32(buf[16:]),
	}
}

// Requester is the child-side end of the relay. All writes are best-effort:
// if the parent is gone the record is dropped silently, the current run does
// not depend on the cache being warmed.
type Requester struct {
	f *os.File
}

func NewRequester(f *os.File) *Requester {
	return &Requester{f: f}
}

// Request asks the parent to translate key before the next fork.
func (r *Requester) Request(key BlockKey) {
	var buf [blockRecordSize]byte
	putKey(buf[:], key)
	r.f.Write(buf[:])
}

// RequestChained additionally asks to wire a direct jump from exit slot
// exitSlot of the previously executed block to the requested one.
func (r *Requester) RequestChained(key BlockKey, prior BlockKey, exitSlot int) {
	var buf [blockRecordSize + chainRecordSize]byte
	putKey(buf[:], key)
	buf[20] = 1
	putKey(buf[blockRecordSize:], prior)
	wireOrder.PutUint32(buf[blockRecordSize+16:], uint32(int32(exitSlot)))
	// A single write keeps the two records adjacent on the pipe even if a
	// future caller issues requests from multiple goroutines.
	r.f.Write(buf[:])
}

func (r *Requester) Close() error {
	return r.f.Close()
}

// Serve reads relay records from rd and materializes the referenced blocks
// until end-of-stream. It runs in the parent, only inside the window of a
// single fork-and-run, so it can never be left servicing a dead child.
// Short reads mean the child went away mid-record and simply end the loop.
func (c *Cache) Serve(rd io.Reader) {
	var buf [blockRecordSize]byte
	for {
		if _, err := io.ReadFull(rd, buf[:]); err != nil {
			return
		}
		key := getKey(buf[:])
		isChain := buf[20] != 0
		if !isChain {
			if _, err := c.Materialize(key); err != nil {
				c.stats.Dropped.Add(1)
				log.Logf(1, "relay: dropping block %#x/%#x/%#x: %v", key.PC, key.CSBase, key.Flags, err)
			}
			continue
		}
		var cbuf [chainRecordSize]byte
		if _, err := io.ReadFull(rd, cbuf[:]); err != nil {
			return
		}
		prior := getKey(cbuf[:])
		exitSlot := int(int32(wireOrder.Uint32(cbuf[16:])))
		if _, err := c.MaterializeChained(key, prior, exitSlot); err != nil {
			c.stats.Dropped.Add(1)
			log.Logf(1, "relay: dropping chained block %#x/%#x/%#x: %v", key.PC, key.CSBase, key.Flags, err)
		}
	}
}
