// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/fuzzbee/fuzzbee/pkg/plugin"
)

// bitflipMutator is a minimal built-in mutation plugin: a deterministic
// walking bit flip over the input, followed by random byte flips forever.
// Real deployments load an external mutation plugin instead.
type bitflipMutator struct {
	input []byte
	iter  int64
	rnd   *rand.Rand
}

const mutatorStateKind = "bitflip-mutator"

type mutatorState struct {
	Input []byte `json:"input"`
	Iter  int64  `json:"iter"`
}

var _ plugin.MutatorCtor = newBitflipMutator

func newBitflipMutator(options string, prior *plugin.State, input []byte) (plugin.Mutator, error) {
	if options != "" {
		return nil, fmt.Errorf("bitflip mutator takes no options")
	}
	m := &bitflipMutator{
		input: append([]byte{}, input...),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if prior != nil {
		if err := m.ImportState(prior); err != nil {
			return nil, err
		}
	}
	if len(m.input) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	return m, nil
}

func (m *bitflipMutator) Mutate(out []byte) (int, error) {
	return m.MutateExt(out, 0)
}

func (m *bitflipMutator) MutateExt(out []byte, flags plugin.MutateFlags) (int, error) {
	if len(out) < len(m.input) {
		return 0, fmt.Errorf("output buffer too small: %v < %v", len(out), len(m.input))
	}
	deterministic := m.iter < int64(len(m.input))*8
	if flags&plugin.MutateDeterministic != 0 && !deterministic {
		return 0, fmt.Errorf("deterministic stage exhausted")
	}
	iter := m.iter
	m.iter++
	if flags&plugin.MutateDryRun != 0 {
		return 0, nil
	}
	n := copy(out, m.input)
	if deterministic {
		out[iter/8] ^= 1 << (iter % 8)
		return n, nil
	}
	for i := m.rnd.Intn(8) + 1; i > 0; i-- {
		out[m.rnd.Intn(n)] ^= byte(m.rnd.Intn(255) + 1)
	}
	return n, nil
}

func (m *bitflipMutator) ReplaceInput(input []byte) error {
	if len(input) == 0 {
		return fmt.Errorf("empty input")
	}
	m.input = append([]byte{}, input...)
	m.iter = 0
	return nil
}

func (m *bitflipMutator) Iterations() (current, total int64) {
	return m.iter, plugin.InfiniteIterations
}

func (m *bitflipMutator) ExportState() (*plugin.State, error) {
	return plugin.NewState(mutatorStateKind, &mutatorState{
		Input: m.input,
		Iter:  m.iter,
	})
}

func (m *bitflipMutator) ImportState(state *plugin.State) error {
	var saved mutatorState
	if err := state.Unpack(mutatorStateKind, &saved); err != nil {
		return err
	}
	m.input = saved.Input
	m.iter = saved.Iter
	return nil
}

func (m *bitflipMutator) Describe() []plugin.OptionDesc {
	return nil
}

func (m *bitflipMutator) Close() error {
	return nil
}
