// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fuzzbee/fuzzbee/pkg/testutil"
)

func TestGateWindow(t *testing.T) {
	const procs = 4
	var running, peak atomic.Int64
	g := NewGate(procs, nil)
	var wg sync.WaitGroup
	for p := 0; p < procs*2; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < testutil.IterCount(); i++ {
				idx := g.Enter()
				if cur := running.Add(1); cur > peak.Load() {
					peak.Store(cur)
				}
				running.Add(-1)
				g.Leave(idx)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(procs))
}

func TestGateBatchCallback(t *testing.T) {
	const procs = 3
	var inFlight atomic.Int64
	var batches int
	g := NewGate(procs, func() {
		// The callback must observe a quiescent gate.
		assert.EqualValues(t, 0, inFlight.Load())
		batches++
	})
	var wg sync.WaitGroup
	for p := 0; p < procs; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < testutil.IterCount(); i++ {
				idx := g.Enter()
				inFlight.Add(1)
				inFlight.Add(-1)
				g.Leave(idx)
			}
		}()
	}
	wg.Wait()
	assert.Greater(t, batches, 0)
}
