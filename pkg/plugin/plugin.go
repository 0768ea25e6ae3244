// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package plugin defines the contracts between the fuzzing harness and its
// two collaborator kinds: mutation plugins, which generate test inputs, and
// instrumentation plugins, which run a target and answer coverage queries.
// Option strings and state blobs are opaque to the harness and handed
// through unmodified.
package plugin

// InfiniteIterations is reported as the total iteration count by mutators
// that never exhaust (e.g. purely random ones).
const InfiniteIterations = int64(-1)

// MutateFlags extend a mutate call.
type MutateFlags uint64

const (
	// MutateDeterministic asks for the deterministic stage rather than a
	// random pick.
	MutateDeterministic MutateFlags = 1 << iota
	// MutateDryRun asks the mutator to advance its schedule without
	// producing output bytes.
	MutateDryRun
)

// Mutator is the mutation plugin contract.
// Implementations are created by a MutatorCtor and must be closed.
type Mutator interface {
	// Mutate fills out with the next mutated input and returns the number
	// of bytes written.
	Mutate(out []byte) (int, error)
	// MutateExt is Mutate with extended flags.
	MutateExt(out []byte, flags MutateFlags) (int, error)
	// ReplaceInput replaces the input being mutated.
	ReplaceInput(input []byte) error
	// Iterations returns the current iteration and the total number of
	// iterations this mutator will produce, InfiniteIterations if unbounded.
	Iterations() (current, total int64)
	// ExportState/ImportState round-trip the mutator position so a session
	// can resume. Import of an exported state reproduces identical behavior.
	ExportState() (*State, error)
	ImportState(state *State) error
	// Describe lists the options the mutator understands.
	Describe() []OptionDesc
	Close() error
}

// MutatorCtor creates a mutation plugin from an opaque option string, an
// optional prior state and the initial input.
type MutatorCtor func(options string, prior *State, input []byte) (Mutator, error)

// FuzzResult classifies the outcome of one target execution.
type FuzzResult int

const (
	ResultNone FuzzResult = iota // no run happened yet
	ResultOK
	ResultCrash
	ResultHang
	ResultError // infrastructure failure, not target behavior
)

func (r FuzzResult) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultOK:
		return "ok"
	case ResultCrash:
		return "crash"
	case ResultHang:
		return "hang"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Instrumentation is the instrumentation plugin contract. The harness calls
// Run, then queries the outcome; implementations guarantee that all process
// control and coverage side effects of the run are visible by the time the
// query operations are called.
type Instrumentation interface {
	// Run executes the target command line on the given input and makes the
	// result available to the query operations.
	Run(target []string, input []byte) error
	// IsNewPath reports whether the last run discovered coverage not seen
	// before in this session.
	IsNewPath() (bool, error)
	// LastResult returns the classification of the last run.
	LastResult() FuzzResult
	// Merge folds another exported state into this one, so coverage seen by
	// either session counts as seen.
	Merge(other *State) error
	ExportState() (*State, error)
	ImportState(state *State) error
	Describe() []OptionDesc
	Close() error
}

// InstrumentationCtor creates an instrumentation plugin from an opaque option
// string and an optional prior state.
type InstrumentationCtor func(options string, prior *State) (Instrumentation, error)

// OptionDesc describes one option a plugin supports.
type OptionDesc struct {
	Name    string `json:"name"`
	Desc    string `json:"desc"`
	Default string `json:"default,omitempty"`
}
