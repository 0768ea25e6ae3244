// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzbee/fuzzbee/pkg/plugin"
)

func TestBitflipDeterministicStage(t *testing.T) {
	input := []byte{0x00, 0xff}
	m, err := newBitflipMutator("", nil, input)
	require.NoError(t, err)
	defer m.Close()

	out := make([]byte, len(input))
	seen := make(map[string]bool)
	for i := 0; i < len(input)*8; i++ {
		n, err := m.MutateExt(out, plugin.MutateDeterministic)
		require.NoError(t, err)
		require.Equal(t, len(input), n)
		// Exactly one bit differs from the input per deterministic step.
		diff := 0
		for j := range input {
			for b := 0; b < 8; b++ {
				if (out[j]^input[j])&(1<<b) != 0 {
					diff++
				}
			}
		}
		assert.Equal(t, 1, diff)
		seen[string(out[:n])] = true
	}
	// The walk covers every single-bit flip exactly once.
	assert.Len(t, seen, len(input)*8)

	_, err = m.MutateExt(out, plugin.MutateDeterministic)
	assert.Error(t, err, "deterministic stage is exhausted")

	// Plain Mutate keeps going in havoc mode.
	n, err := m.Mutate(out)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
}

func TestBitflipDryRun(t *testing.T) {
	m, err := newBitflipMutator("", nil, []byte("abcd"))
	require.NoError(t, err)
	defer m.Close()
	for i := 0; i < 5; i++ {
		n, err := m.MutateExt(nil, plugin.MutateDryRun)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	cur, total := m.Iterations()
	assert.EqualValues(t, 5, cur)
	assert.EqualValues(t, plugin.InfiniteIterations, total)
}

func TestBitflipOptionsAndInput(t *testing.T) {
	_, err := newBitflipMutator(`{"x": 1}`, nil, []byte("a"))
	assert.Error(t, err)
	_, err = newBitflipMutator("", nil, nil)
	assert.Error(t, err)

	m, err := newBitflipMutator("", nil, []byte("a"))
	require.NoError(t, err)
	defer m.Close()
	assert.Error(t, m.ReplaceInput(nil))
	require.NoError(t, m.ReplaceInput([]byte("xyz")))
	out := make([]byte, 3)
	n, err := m.Mutate(out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBitflipSmallBuffer(t *testing.T) {
	m, err := newBitflipMutator("", nil, []byte("abcd"))
	require.NoError(t, err)
	defer m.Close()
	_, err = m.Mutate(make([]byte, 2))
	assert.ErrorContains(t, err, "too small")
}

func TestBitflipStateRoundTrip(t *testing.T) {
	m, err := newBitflipMutator("", nil, []byte{0xaa})
	require.NoError(t, err)
	out := make([]byte, 1)
	for i := 0; i < 3; i++ {
		_, err := m.Mutate(out)
		require.NoError(t, err)
	}
	state, err := m.ExportState()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	restored, err := newBitflipMutator("", state, nil)
	require.NoError(t, err)
	defer restored.Close()
	cur, _ := restored.Iterations()
	assert.EqualValues(t, 3, cur)
	// The restored walk continues where the exported one stopped.
	n, err := restored.MutateExt(out, plugin.MutateDeterministic)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0xaa^(1<<3)), out[0])
}
