// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements the shared-memory edge-hit bitmap that instrumented
// children write and the supervisor reads between runs.
//
// The bitmap is a fixed 64 KiB region. A child derives an index from the hash
// of the previous and current block locations and increments a saturating
// per-edge counter. Only children ever increment; only the supervisor resets
// the region between runs.
package cover

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fuzzbee/fuzzbee/pkg/osutil"
)

const (
	// Size is the size of the coverage bitmap. Must be a power of two.
	Size = 64 << 10

	// ShmEnv carries the SysV shared memory id of the bitmap to children.
	ShmEnv = "FUZZBEE_SHM_ID"
	// RatioEnv carries the instrumentation ratio percentage (1..100).
	RatioEnv = "FUZZBEE_INST_RATIO"
)

// ErrAttach is returned when the environment names a shared memory segment
// but attaching it fails. Coverage is mandatory once configured, so callers
// are expected to terminate with a status distinct from transport failures.
type ErrAttach struct {
	ID  int
	Err error
}

func (e *ErrAttach) Error() string {
	return fmt.Sprintf("failed to attach coverage shm %v: %v", e.ID, e.Err)
}

func (e *ErrAttach) Unwrap() error { return e.Err }

// Recorder is the child-side view of the bitmap.
type Recorder struct {
	mem    []byte
	shared bool
	rms    int    // number of leading bitmap bytes considered instrumented
	prev   uint64 // previous block location, already shifted
}

// Setup attaches the coverage bitmap according to the environment.
// If no shared memory id is configured, a private region is used so that the
// recording fast path stays uniform, but no coverage reaches the supervisor.
func Setup() (*Recorder, error) {
	return setup(os.Getenv)
}

func setup(getenv func(string) string) (*Recorder, error) {
	rc := &Recorder{rms: Size}
	ratioStr := getenv(RatioEnv)
	if ratioStr != "" {
		r, _ := strconv.Atoi(ratioStr)
		rc.rms = Size * ClampRatio(r) / 100
	}
	if idStr := getenv(ShmEnv); idStr != "" {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, &ErrAttach{ID: -1, Err: fmt.Errorf("bad %v value %q: %w", ShmEnv, idStr, err)}
		}
		mem, err := osutil.AttachSysvShm(id)
		if err != nil {
			return nil, &ErrAttach{ID: id, Err: err}
		}
		rc.mem = mem[:Size:Size]
		rc.shared = true
		if ratioStr != "" {
			// With a low ratio we may legitimately never touch the bitmap.
			// Force one byte so a supervisor polling for activity does not
			// conclude the target is dead.
			rc.mem[0] = 1
		}
	} else {
		rc.mem = make([]byte, Size)
	}
	return rc, nil
}

// ClampRatio clamps an instrumentation ratio to [1, 100].
func ClampRatio(r int) int {
	if r > 100 {
		return 100
	}
	if r < 1 {
		return 1
	}
	return r
}

// Shared reports whether the bitmap is visible to the supervisor.
func (rc *Recorder) Shared() bool { return rc.shared }

// Bitmap returns the live bitmap. The returned slice aliases the shared
// region, callers must not reallocate it.
func (rc *Recorder) Bitmap() Bitmap { return rc.mem }

// Edge records a transition to block location cur. The index is the xor of
// the hashed current location with the (shifted) previous one, AFL-style.
// Locations hashing above the instrumented range are skipped entirely.
func (rc *Recorder) Edge(cur uint64) {
	loc := hashLoc(cur)
	if loc >= uint64(rc.rms) {
		return
	}
	idx := loc ^ rc.prev
	if v := rc.mem[idx]; v != 0xff {
		rc.mem[idx] = v + 1
	}
	rc.prev = loc >> 1
}

// Detach releases the shared mapping. No-op for private regions.
func (rc *Recorder) Detach() error {
	if !rc.shared {
		return nil
	}
	return osutil.DetachSysvShm(rc.mem)
}

func hashLoc(pc uint64) uint64 {
	// Cheap multiplicative hash, enough to spread adjacent block addresses.
	h := pc * 0x9e3779b97f4a7c15
	h ^= h >> 29
	return h & (Size - 1)
}

// Bitmap is the supervisor-side view of a coverage region.
type Bitmap []byte

// Reset zeroes the bitmap. Only the supervisor calls this, between runs.
func (b Bitmap) Reset() {
	for i := range b {
		b[i] = 0
	}
}

// Count returns the number of edges with a non-zero hit count.
func (b Bitmap) Count() int {
	n := 0
	for _, v := range b {
		if v != 0 {
			n++
		}
	}
	return n
}

// Clone returns a private copy of the bitmap.
func (b Bitmap) Clone() Bitmap {
	return append(Bitmap{}, b...)
}

// Hit count bucketing: raw counters collapse into coarse buckets so that
// loop iteration jitter does not register as new behavior.
var bucketLookup = buildBucketLookup()

func buildBucketLookup() (lut [256]byte) {
	buckets := []struct {
		max int
		bit byte
	}{
		{1, 1}, {2, 2}, {3, 4}, {4, 8}, {8, 16}, {16, 32}, {32, 64}, {255, 128},
	}
	v := 1
	for _, b := range buckets {
		for ; v <= b.max; v++ {
			lut[v] = b.bit
		}
	}
	return
}

// Bucket collapses a raw hit counter into its bucket bit.
func Bucket(hits byte) byte {
	return bucketLookup[hits]
}

// Virgin tracks which bucketed edge hits have been observed across a session.
// A fresh Virgin map has seen nothing.
type Virgin Bitmap

func MakeVirgin() Virgin {
	v := make(Virgin, Size)
	for i := range v {
		v[i] = 0xff
	}
	return v
}

// Merge folds a run's bitmap into the virgin map and reports whether the run
// exhibited any previously unseen edge or hit bucket.
func (v Virgin) Merge(run Bitmap) bool {
	if len(run) != len(v) {
		panic(fmt.Sprintf("bitmap size mismatch: %v vs %v", len(run), len(v)))
	}
	novel := false
	for i, hits := range run {
		if hits == 0 {
			continue
		}
		bit := Bucket(hits)
		if v[i]&bit != 0 {
			v[i] &^= bit
			novel = true
		}
	}
	return novel
}

// Union merges another virgin map into this one so that behaviors seen by
// either session count as seen. Used when merging instrumentation states.
func (v Virgin) Union(other Virgin) {
	if len(other) != len(v) {
		panic(fmt.Sprintf("virgin size mismatch: %v vs %v", len(other), len(v)))
	}
	for i := range v {
		v[i] &= other[i]
	}
}
