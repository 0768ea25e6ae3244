// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// bee-forksrv is the fork-server controller process. A supervisor spawns it
// with the control pipes attached, then repeatedly asks it to run the target.
// When embedded into a binary-translating emulator the Translator hook is the
// emulator's code generator; this standalone build only tracks the cache.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fuzzbee/fuzzbee/pkg/cover"
	"github.com/fuzzbee/fuzzbee/pkg/forksrv"
	"github.com/fuzzbee/fuzzbee/pkg/log"
	"github.com/fuzzbee/fuzzbee/pkg/osutil"
	"github.com/fuzzbee/fuzzbee/pkg/tcache"
)

var flagTarget = flag.String("target", "", "target program invocation")

func main() {
	flag.Parse()
	if *flagTarget == "" {
		log.Fatalf("usage: bee-forksrv -target 'prog args...'")
	}
	target := strings.Fields(*flagTarget)

	rc := forksrv.SetupCoverage() // exits with the distinguished status on attach failure
	defer rc.Detach()

	req, resp, err := forksrv.ControlFiles()
	if err != nil {
		log.Fatalf("%v", err)
	}
	cfg := &forksrv.Config{
		Req:    req,
		Resp:   resp,
		Cache:  tcache.NewCache(nopTranslator{}),
		Target: target,
		Env:    childEnv(),
	}
	sess := forksrv.NewSession(cfg)
	if err := sess.Run(); err == forksrv.ErrNoSupervisor {
		// Nobody is driving the protocol, run the target once and pass
		// its status through.
		os.Exit(runOnce(cfg))
	}
}

// childEnv propagates the coverage knobs to spawned children.
func childEnv() []string {
	var env []string
	for _, name := range []string{cover.ShmEnv, cover.RatioEnv} {
		if val := os.Getenv(name); val != "" {
			env = append(env, name+"="+val)
		}
	}
	return env
}

func runOnce(cfg *forksrv.Config) int {
	cmd := osutil.Command(cfg.Target[0], cfg.Target[1:]...)
	cmd.Env = append(cmd.Env, cfg.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if cmd.ProcessState != nil {
			return osutil.ProcessExitStatus(cmd.ProcessState)
		}
		log.Logf(0, "failed to run target: %v", err)
		return 1
	}
	return 0
}

// nopTranslator stands in for an emulator's code generator: blocks are
// tracked but no code is synthesized for them.
type nopTranslator struct{}

func (nopTranslator) Translate(key tcache.BlockKey) error {
	log.Logf(2, "translate %#x/%#x/%#x", key.PC, key.CSBase, key.Flags)
	return nil
}

func (nopTranslator) Chain(prior *tcache.Block, exitSlot int, next *tcache.Block) error {
	if exitSlot < 0 || exitSlot > 1 {
		return fmt.Errorf("bad exit slot %v", exitSlot)
	}
	log.Logf(2, "chain %#x[%v] -> %#x", prior.Key.PC, exitSlot, next.Key.PC)
	return nil
}
