// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer contains the harness-side glue: an implementation of the
// instrumentation plugin contract on top of the fork-server Env and the
// coverage bitmap.
package fuzzer

import (
	"fmt"
	"time"

	"github.com/fuzzbee/fuzzbee/pkg/config"
	"github.com/fuzzbee/fuzzbee/pkg/cover"
	"github.com/fuzzbee/fuzzbee/pkg/ipc"
	"github.com/fuzzbee/fuzzbee/pkg/log"
	"github.com/fuzzbee/fuzzbee/pkg/plugin"
)

// Options is the option string of the fork-server instrumentation plugin.
// The string itself is strict JSON.
type Options struct {
	// ForkServer is the controller binary invocation.
	ForkServer string `json:"fork_server"`
	// TimeoutMS is the per-run timeout in milliseconds.
	TimeoutMS int `json:"timeout_ms,omitempty"`
	// InstRatio is the instrumentation ratio percentage.
	InstRatio int  `json:"inst_ratio,omitempty"`
	Debug     bool `json:"debug,omitempty"`
}

const stateKind = "forkserver-instrumentation"

// savedState is the payload of exported instrumentation states.
type savedState struct {
	Virgin []byte `json:"virgin"`
	Execs  uint64 `json:"execs"`
}

// ForkServer implements plugin.Instrumentation by driving one fork-server
// session per target and folding each run's bitmap into a virgin map.
type ForkServer struct {
	opts    Options
	env     *ipc.Env
	target  []string
	virgin  cover.Virgin
	last    plugin.FuzzResult
	newPath bool
	execs   uint64
	stats   *stats
}

var _ plugin.InstrumentationCtor = New

// New is the plugin.InstrumentationCtor of this package.
func New(options string, prior *plugin.State) (plugin.Instrumentation, error) {
	fs := &ForkServer{
		virgin: cover.MakeVirgin(),
		stats:  newStats(),
	}
	if options != "" {
		if err := config.LoadData([]byte(options), &fs.opts); err != nil {
			return nil, err
		}
	}
	if fs.opts.ForkServer == "" {
		return nil, fmt.Errorf("fork_server option is required")
	}
	if prior != nil {
		if err := fs.ImportState(prior); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *ForkServer) Run(target []string, input []byte) error {
	if fs.env != nil && !sameArgv(fs.target, target) {
		fs.env.Close()
		fs.env = nil
	}
	if fs.env == nil {
		env, err := ipc.MakeEnv(&ipc.Config{
			ForkServer: fs.opts.ForkServer,
			Target:     target,
			Timeout:    time.Duration(fs.opts.TimeoutMS) * time.Millisecond,
			InstRatio:  fs.opts.InstRatio,
			Debug:      fs.opts.Debug,
		})
		if err != nil {
			fs.last = plugin.ResultError
			return err
		}
		fs.env = env
		fs.target = append([]string{}, target...)
	}
	start := time.Now()
	res, err := fs.env.Exec(input)
	if err != nil {
		fs.last = plugin.ResultError
		fs.newPath = false
		return err
	}
	fs.execs++
	fs.stats.execs.Add(1)
	elapsed := time.Since(start)
	fs.stats.execTime.Add(int(elapsed.Microseconds()))
	fs.stats.avgTime.Save(elapsed)
	fs.newPath = fs.virgin.Merge(res.Cover)
	if fs.newPath {
		fs.stats.newPaths.Add(1)
	}
	fs.last = classify(res)
	switch fs.last {
	case plugin.ResultCrash:
		fs.stats.crashes.Add(1)
		log.Logf(1, "pid %v crashed with signal %v", res.PID, res.Status.Signal())
	case plugin.ResultHang:
		fs.stats.hangs.Add(1)
		log.Logf(1, "pid %v hanged and was killed", res.PID)
	}
	return nil
}

func classify(res *ipc.Result) plugin.FuzzResult {
	switch {
	case res.Hanged:
		return plugin.ResultHang
	case res.Status.Signaled():
		return plugin.ResultCrash
	default:
		return plugin.ResultOK
	}
}

func (fs *ForkServer) IsNewPath() (bool, error) {
	if fs.last == plugin.ResultNone {
		return false, fmt.Errorf("no run to query")
	}
	return fs.newPath, nil
}

func (fs *ForkServer) LastResult() plugin.FuzzResult {
	return fs.last
}

func (fs *ForkServer) Merge(other *plugin.State) error {
	var saved savedState
	if err := other.Unpack(stateKind, &saved); err != nil {
		return err
	}
	if len(saved.Virgin) != cover.Size {
		return fmt.Errorf("bad virgin map size %v", len(saved.Virgin))
	}
	fs.virgin.Union(cover.Virgin(saved.Virgin))
	// Merged sessions ran independently, their execution counts add up.
	fs.execs += saved.Execs
	return nil
}

func (fs *ForkServer) ExportState() (*plugin.State, error) {
	return plugin.NewState(stateKind, &savedState{
		Virgin: fs.virgin,
		Execs:  fs.execs,
	})
}

func (fs *ForkServer) ImportState(state *plugin.State) error {
	var saved savedState
	if err := state.Unpack(stateKind, &saved); err != nil {
		return err
	}
	if len(saved.Virgin) != cover.Size {
		return fmt.Errorf("bad virgin map size %v", len(saved.Virgin))
	}
	fs.virgin = cover.Virgin(saved.Virgin)
	fs.execs = saved.Execs
	return nil
}

func (fs *ForkServer) Describe() []plugin.OptionDesc {
	return []plugin.OptionDesc{
		{Name: "fork_server", Desc: "controller binary invocation"},
		{Name: "timeout_ms", Desc: "per-run timeout in milliseconds", Default: "60000"},
		{Name: "inst_ratio", Desc: "instrumentation ratio percentage", Default: "100"},
		{Name: "debug", Desc: "route controller output to stdout", Default: "false"},
	}
}

func (fs *ForkServer) Close() error {
	if fs.env == nil {
		return nil
	}
	err := fs.env.Close()
	fs.env = nil
	return err
}

func sameArgv(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
