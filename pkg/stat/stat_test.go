// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVal(t *testing.T) {
	s := newSet(false)
	v := s.New("test counter", "desc")
	v.Add(3)
	v.Add(4)
	assert.Equal(t, 7, v.Val())
}

func TestExternal(t *testing.T) {
	s := newSet(false)
	v := s.New("test external", "desc", func() int { return 42 })
	assert.Equal(t, 42, v.Val())
	assert.Panics(t, func() { v.Add(1) })
}

func TestLenOf(t *testing.T) {
	s := newSet(false)
	var mu sync.RWMutex
	slice := []int{1, 2, 3}
	v := s.New("test len", "desc", LenOf(&slice, &mu))
	assert.Equal(t, 3, v.Val())
	mu.Lock()
	slice = append(slice, 4)
	mu.Unlock()
	assert.Equal(t, 4, v.Val())
}

func TestDistribution(t *testing.T) {
	s := newSet(false)
	v := s.New("test dist", "desc", Distribution{})
	assert.Equal(t, 0, v.Val())
	for i := 0; i < 100; i++ {
		v.Add(10)
	}
	assert.Equal(t, 10, v.Val())
}

func TestCollect(t *testing.T) {
	s := newSet(false)
	s.New("bbb", "second").Add(2)
	s.New("aaa", "first").Add(1)
	ui := s.Collect()
	assert.Len(t, ui, 2)
	assert.Equal(t, "aaa", ui[0].Name)
	assert.Equal(t, 1, ui[0].V)
	assert.Equal(t, "bbb", ui[1].Name)
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "600 (10/sec)", formatRate(600, time.Minute))
	assert.Equal(t, "10 (10/min)", formatRate(10, time.Minute))
	assert.Equal(t, "1 (60/hour)", formatRate(1, time.Minute))
}

func TestAverageValue(t *testing.T) {
	var av AverageValue[time.Duration]
	assert.Equal(t, time.Duration(0), av.Value())
	av.Save(10 * time.Millisecond)
	av.Save(20 * time.Millisecond)
	av.Save(30 * time.Millisecond)
	assert.InDelta(t, float64(20*time.Millisecond), float64(av.Value()), float64(time.Millisecond))
}
