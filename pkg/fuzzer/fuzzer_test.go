// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fuzzbee/fuzzbee/pkg/cover"
	"github.com/fuzzbee/fuzzbee/pkg/ipc"
	"github.com/fuzzbee/fuzzbee/pkg/plugin"
)

func TestNewOptions(t *testing.T) {
	_, err := New("", nil)
	assert.ErrorContains(t, err, "fork_server")

	_, err = New(`{"fork_server": "bee-forksrv", "no_such_option": 1}`, nil)
	assert.Error(t, err, "unknown options must be rejected")

	instr, err := New(`{"fork_server": "bee-forksrv", "timeout_ms": 500}`, nil)
	require.NoError(t, err)
	defer instr.Close()
	fs := instr.(*ForkServer)
	assert.Equal(t, "bee-forksrv", fs.opts.ForkServer)
	assert.Equal(t, 500, fs.opts.TimeoutMS)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  ipc.Result
		want plugin.FuzzResult
	}{
		{"clean exit", ipc.Result{Status: unix.WaitStatus(0)}, plugin.ResultOK},
		{"nonzero exit", ipc.Result{Status: unix.WaitStatus(7 << 8)}, plugin.ResultOK},
		{"segfault", ipc.Result{Status: unix.WaitStatus(uint32(unix.SIGSEGV))}, plugin.ResultCrash},
		{"abort", ipc.Result{Status: unix.WaitStatus(uint32(unix.SIGABRT))}, plugin.ResultCrash},
		{"hang", ipc.Result{Hanged: true, Status: unix.WaitStatus(uint32(unix.SIGKILL))}, plugin.ResultHang},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, classify(&test.res))
		})
	}
}

func TestIsNewPathBeforeRun(t *testing.T) {
	instr, err := New(`{"fork_server": "bee-forksrv"}`, nil)
	require.NoError(t, err)
	defer instr.Close()
	_, err = instr.IsNewPath()
	assert.Error(t, err)
}

func TestStateRoundTrip(t *testing.T) {
	instr, err := New(`{"fork_server": "bee-forksrv"}`, nil)
	require.NoError(t, err)
	defer instr.Close()
	fs := instr.(*ForkServer)

	// Observe something so the exported state is not pristine.
	run := make(cover.Bitmap, cover.Size)
	run[7] = 1
	require.True(t, fs.virgin.Merge(run))
	fs.execs = 123

	state, err := fs.ExportState()
	require.NoError(t, err)

	restored, err := New(`{"fork_server": "bee-forksrv"}`, state)
	require.NoError(t, err)
	defer restored.Close()
	rfs := restored.(*ForkServer)
	assert.EqualValues(t, 123, rfs.execs)
	assert.False(t, rfs.virgin.Merge(run), "imported state remembers observed behavior")
}

func TestStateMerge(t *testing.T) {
	a, err := New(`{"fork_server": "bee-forksrv"}`, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(`{"fork_server": "bee-forksrv"}`, nil)
	require.NoError(t, err)
	defer b.Close()

	runA := make(cover.Bitmap, cover.Size)
	runA[1] = 1
	runB := make(cover.Bitmap, cover.Size)
	runB[2] = 1
	a.(*ForkServer).virgin.Merge(runA)
	a.(*ForkServer).execs = 10
	b.(*ForkServer).virgin.Merge(runB)
	b.(*ForkServer).execs = 32

	stateB, err := b.ExportState()
	require.NoError(t, err)
	require.NoError(t, a.Merge(stateB))
	assert.False(t, a.(*ForkServer).virgin.Merge(runA))
	assert.False(t, a.(*ForkServer).virgin.Merge(runB))
	// Executions of both sessions survive into the merged state.
	assert.EqualValues(t, 42, a.(*ForkServer).execs)
	merged, err := a.ExportState()
	require.NoError(t, err)
	var saved savedState
	require.NoError(t, merged.Unpack(stateKind, &saved))
	assert.EqualValues(t, 42, saved.Execs)
}

func TestStateKindRejected(t *testing.T) {
	instr, err := New(`{"fork_server": "bee-forksrv"}`, nil)
	require.NoError(t, err)
	defer instr.Close()
	bad, err := plugin.NewState("something-else", &savedState{Virgin: make([]byte, cover.Size)})
	require.NoError(t, err)
	assert.Error(t, instr.Merge(bad))
	_, err = New(`{"fork_server": "bee-forksrv"}`, bad)
	assert.Error(t, err)
}

func TestStateBadVirginSize(t *testing.T) {
	bad, err := plugin.NewState(stateKind, &savedState{Virgin: make([]byte, 16)})
	require.NoError(t, err)
	_, err = New(`{"fork_server": "bee-forksrv"}`, bad)
	assert.ErrorContains(t, err, "virgin map size")
}

func TestSameArgv(t *testing.T) {
	assert.True(t, sameArgv(nil, nil))
	assert.True(t, sameArgv([]string{"a", "b"}, []string{"a", "b"}))
	assert.False(t, sameArgv([]string{"a"}, []string{"a", "b"}))
	assert.False(t, sameArgv([]string{"a", "b"}, []string{"a", "c"}))
}
