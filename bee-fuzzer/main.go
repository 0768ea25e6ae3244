// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// bee-fuzzer is the supervisor harness: it drives one fork-server session per
// proc, feeds mutated inputs through the instrumentation plugin and keeps the
// inputs that discovered new coverage.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fuzzbee/fuzzbee/pkg/config"
	"github.com/fuzzbee/fuzzbee/pkg/fuzzer"
	"github.com/fuzzbee/fuzzbee/pkg/ipc"
	"github.com/fuzzbee/fuzzbee/pkg/log"
	"github.com/fuzzbee/fuzzbee/pkg/osutil"
	"github.com/fuzzbee/fuzzbee/pkg/plugin"
	"github.com/fuzzbee/fuzzbee/pkg/stat"
)

type Config struct {
	// ForkServer is the controller binary invocation.
	ForkServer string `json:"fork_server"`
	// Target is the fuzzed program argv, "@@" marks the input file.
	Target []string `json:"target"`
	// Corpus is a directory of seed inputs.
	Corpus string `json:"corpus"`
	// Findings receives inputs that discovered new coverage.
	Findings string `json:"findings"`
	// StateFile, if set, persists the instrumentation state across runs.
	StateFile string `json:"state_file,omitempty"`
	Procs     int    `json:"procs,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
	InstRatio int    `json:"inst_ratio,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

var flagConfig = flag.String("config", "", "configuration file")

func main() {
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)
	cfg := new(Config)
	if err := config.LoadFile(*flagConfig, cfg); err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.Procs == 0 {
		cfg.Procs = 1
	}
	if cfg.Findings == "" {
		cfg.Findings = "findings"
	}
	if err := os.MkdirAll(cfg.Findings, osutil.DefaultDirPerm); err != nil {
		log.Fatalf("failed to create findings dir: %v", err)
	}
	seeds, err := loadCorpus(cfg.Corpus)
	if err != nil {
		log.Fatalf("%v", err)
	}
	prior := loadState(cfg.StateFile)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	gate := ipc.NewGate(2*cfg.Procs, nil)
	procs := make([]plugin.Instrumentation, cfg.Procs)
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < cfg.Procs; p++ {
		p := p
		g.Go(func() error {
			instr, err := fuzzer.New(instrOptions(cfg), prior)
			if err != nil {
				return err
			}
			procs[p] = instr
			defer instr.Close()
			return fuzzLoop(ctx, cfg, gate, instr, seeds[p%len(seeds)])
		})
	}
	go heartbeat(ctx)
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("%v", err)
	}
	saveState(cfg.StateFile, procs)
}

func instrOptions(cfg *Config) string {
	opts, err := json.Marshal(&fuzzer.Options{
		ForkServer: cfg.ForkServer,
		TimeoutMS:  cfg.TimeoutMS,
		InstRatio:  cfg.InstRatio,
		Debug:      cfg.Debug,
	})
	if err != nil {
		log.Fatalf("failed to serialize options: %v", err)
	}
	return string(opts)
}

func fuzzLoop(ctx context.Context, cfg *Config, gate *ipc.Gate, instr plugin.Instrumentation, seed []byte) error {
	mut, err := newBitflipMutator("", nil, seed)
	if err != nil {
		return err
	}
	defer mut.Close()
	buf := make([]byte, 1<<20)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := mut.Mutate(buf)
		if err != nil {
			return err
		}
		input := buf[:n]
		ticket := gate.Enter()
		err = instr.Run(cfg.Target, input)
		gate.Leave(ticket)
		if err != nil {
			// Controller restart happens inside the Env, persistent
			// failures surface here.
			log.Logf(0, "execution failed: %v", err)
			continue
		}
		novel, err := instr.IsNewPath()
		if err != nil {
			return err
		}
		if novel || instr.LastResult() == plugin.ResultCrash {
			saveFinding(cfg.Findings, instr.LastResult(), input)
		}
	}
}

func loadCorpus(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus dir: %w", err)
	}
	var seeds [][]byte
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
		seeds = append(seeds, data)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("corpus dir %v is empty", dir)
	}
	return seeds, nil
}

func saveFinding(dir string, res plugin.FuzzResult, input []byte) {
	name := fmt.Sprintf("%v-%v", res, time.Now().UnixNano())
	if err := osutil.WriteFile(filepath.Join(dir, name), input); err != nil {
		log.Logf(0, "failed to save finding: %v", err)
	}
}

func loadState(file string) *plugin.State {
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Logf(0, "failed to read state file: %v", err)
		}
		return nil
	}
	state, err := plugin.DecodeState(string(data))
	if err != nil {
		log.Logf(0, "ignoring corrupted state file: %v", err)
		return nil
	}
	return state
}

// saveState merges the per-proc instrumentation states and persists the union.
func saveState(file string, procs []plugin.Instrumentation) {
	if file == "" {
		return
	}
	var first plugin.Instrumentation
	for _, instr := range procs {
		if instr == nil {
			continue
		}
		if first == nil {
			first = instr
			continue
		}
		state, err := instr.ExportState()
		if err != nil {
			log.Logf(0, "failed to export state: %v", err)
			continue
		}
		if err := first.Merge(state); err != nil {
			log.Logf(0, "failed to merge state: %v", err)
		}
	}
	if first == nil {
		return
	}
	state, err := first.ExportState()
	if err != nil {
		log.Logf(0, "failed to export state: %v", err)
		return
	}
	text, err := state.Encode()
	if err != nil {
		log.Logf(0, "failed to encode state: %v", err)
		return
	}
	if err := osutil.WriteFile(file, []byte(text)); err != nil {
		log.Logf(0, "failed to write state file: %v", err)
	}
}

func heartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
		var parts []string
		for _, ui := range stat.Collect() {
			parts = append(parts, fmt.Sprintf("%v=%v", ui.Name, ui.Value))
		}
		log.Logf(0, "%v", strings.Join(parts, ", "))
	}
}
