// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipc implements the supervisor side of the fork-server protocol:
// it owns the controller process, performs the readiness handshake and drives
// the fork-and-run / get-status round trips for every execution.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/fuzzbee/fuzzbee/pkg/cover"
	"github.com/fuzzbee/fuzzbee/pkg/forksrv"
	"github.com/fuzzbee/fuzzbee/pkg/log"
	"github.com/fuzzbee/fuzzbee/pkg/osutil"
)

// Config is the configuration for Env.
type Config struct {
	// ForkServer is the controller binary invocation, space separated.
	ForkServer string

	// Target is the argv of the fuzzed program. The literal "@@" is
	// replaced with the path of the current input file.
	Target []string

	// Timeout is the execution timeout for a single run. The protocol layer
	// itself has no timeouts, a hung child is killed from here.
	Timeout time.Duration

	// InstRatio is the instrumentation ratio percentage, 0 means full.
	InstRatio int

	// Debug routes controller output to stdout.
	Debug bool
}

// Result describes one completed execution.
type Result struct {
	PID    int
	Status unix.WaitStatus
	Hanged bool
	// Cover aliases the live shared bitmap. It is valid until the next Exec.
	Cover cover.Bitmap
}

// Env is a single fork-server session: one controller process, one shared
// coverage region, at most one child in flight.
type Env struct {
	id        string
	cfg       *Config
	shmID     int
	shmMem    []byte
	bitmap    cover.Bitmap
	dir       string
	inputFile string
	cmd       *command

	StatExecs    atomic.Uint64
	StatRestarts atomic.Uint64
}

func MakeEnv(cfg *Config) (*Env, error) {
	if cfg.ForkServer == "" {
		return nil, fmt.Errorf("fork server binary is empty string")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	shmID, mem, err := osutil.CreateSysvShm(cover.Size)
	if err != nil {
		return nil, err
	}
	env := &Env{
		id:     uuid.NewString()[:8],
		cfg:    cfg,
		shmID:  shmID,
		shmMem: mem,
		bitmap: cover.Bitmap(mem[:cover.Size:cover.Size]),
	}
	env.dir, err = os.MkdirTemp("", "fuzzbee-"+env.id)
	if err != nil {
		env.destroyShm()
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	env.inputFile = filepath.Join(env.dir, "input")
	return env, nil
}

func (env *Env) Close() error {
	if env.cmd != nil {
		env.cmd.close()
		env.cmd = nil
	}
	os.RemoveAll(env.dir)
	return env.destroyShm()
}

func (env *Env) destroyShm() error {
	err1 := osutil.DetachSysvShm(env.shmMem)
	err2 := osutil.RemoveSysvShm(env.shmID)
	if err1 != nil {
		return err1
	}
	return err2
}

// ForceRestart kills the current controller so the next Exec starts a fresh
// one with a cold translation cache.
func (env *Env) ForceRestart() {
	if env.cmd != nil {
		env.cmd.close()
		env.cmd = nil
	}
}

// Exec runs the target once on the given input and returns the raw outcome.
// The coverage bitmap is reset before the run; the child only increments it.
func (env *Env) Exec(input []byte) (*Result, error) {
	env.StatExecs.Add(1)
	if err := osutil.WriteFile(env.inputFile, input); err != nil {
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}
	if env.cmd == nil {
		env.StatRestarts.Add(1)
		cmd, err := env.makeCommand()
		if err != nil {
			return nil, err
		}
		env.cmd = cmd
	}
	env.bitmap.Reset()
	res, err := env.cmd.exec(env.cfg.Timeout)
	if err != nil {
		// The protocol has no resynchronization, a broken round trip
		// means the controller is gone for good.
		env.cmd.close()
		env.cmd = nil
		return nil, err
	}
	res.Cover = env.bitmap
	return res, nil
}

func (env *Env) targetArgv() []string {
	argv := make([]string, len(env.cfg.Target))
	for i, arg := range env.cfg.Target {
		if arg == "@@" {
			arg = env.inputFile
		}
		argv[i] = arg
	}
	return argv
}

type command struct {
	env    *Env
	cmd    *os.Process
	reqw   *os.File // command bytes to the controller
	respr  *os.File // 4-byte responses from the controller
	exited chan struct{}
}

const handshakeTimeout = time.Minute

func (env *Env) makeCommand() (*command, error) {
	bin := strings.Split(env.cfg.ForkServer, " ")
	bin[0] = osutil.Abs(bin[0])

	// supervisor->controller command pipe.
	reqr, reqw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer reqr.Close()
	// controller->supervisor response pipe.
	respr, respw, err := os.Pipe()
	if err != nil {
		reqw.Close()
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer respw.Close()

	c := &command{
		env:    env,
		reqw:   reqw,
		respr:  respr,
		exited: make(chan struct{}),
	}

	args := append(bin[1:], "-target", strings.Join(env.targetArgv(), " "))
	cmd := osutil.Command(bin[0], args...)
	cmd.ExtraFiles = []*os.File{reqr, respw} // fds 3 and 4 in the controller
	cmd.Env = append(cmd.Env,
		forksrv.ReqFDEnv+"=3",
		forksrv.RespFDEnv+"=4",
		fmt.Sprintf("%v=%v", cover.ShmEnv, env.shmID),
	)
	if env.cfg.InstRatio != 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%v=%v", cover.RatioEnv, env.cfg.InstRatio))
	}
	if env.cfg.Debug {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stdout
	} else {
		cmd.Stdout = log.VerboseWriter(2)
		cmd.Stderr = log.VerboseWriter(2)
	}
	if err := cmd.Start(); err != nil {
		reqw.Close()
		respr.Close()
		return nil, fmt.Errorf("failed to start fork server: %w", err)
	}
	c.cmd = cmd.Process
	go func() {
		cmd.Wait()
		close(c.exited)
	}()
	if err := c.handshake(); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// handshake waits for the controller's readiness token.
func (c *command) handshake() error {
	read := make(chan error, 1)
	go func() {
		token, err := c.readResp()
		if err != nil {
			read <- err
			return
		}
		if token != forksrv.ReadyToken {
			read <- fmt.Errorf("bad readiness token %#x", token)
			return
		}
		read <- nil
	}()
	timeout := time.NewTimer(handshakeTimeout)
	defer timeout.Stop()
	select {
	case err := <-read:
		if err != nil {
			return fmt.Errorf("fork server %v: %w", c.env.id, err)
		}
		return nil
	case <-timeout.C:
		return fmt.Errorf("fork server %v: not serving", c.env.id)
	}
}

func (c *command) close() {
	// Best-effort terminate, then make sure the process is gone.
	c.writeCmd(forksrv.CmdTerminate)
	c.reqw.Close()
	select {
	case <-c.exited:
	case <-time.After(5 * time.Second):
		c.cmd.Kill()
		<-c.exited
	}
	c.respr.Close()
}

// exec performs one fork-and-run / get-status pair.
func (c *command) exec(timeout time.Duration) (*Result, error) {
	if err := c.writeCmd(forksrv.CmdForkRun); err != nil {
		return nil, fmt.Errorf("fork server %v: failed to write control pipe: %w", c.env.id, err)
	}
	pid, err := c.readResp()
	if err != nil {
		return nil, fmt.Errorf("fork server %v: failed to read fork ack: %w", c.env.id, err)
	}
	// The get-status command can be queued right away: the controller picks
	// it up once the relay drains. A hung child is killed from here, after
	// which the controller's wait observes the signal.
	hanged := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			unix.Kill(int(pid), unix.SIGKILL)
			hanged <- true
		case <-done:
			hanged <- false
		}
	}()
	if err := c.writeCmd(forksrv.CmdGetStatus); err != nil {
		close(done)
		<-hanged
		return nil, fmt.Errorf("fork server %v: failed to write control pipe: %w", c.env.id, err)
	}
	status, err := c.readResp()
	close(done)
	wasHang := <-hanged
	if err != nil {
		return nil, fmt.Errorf("fork server %v: failed to read status: %w", c.env.id, err)
	}
	return &Result{
		PID:    int(pid),
		Status: unix.WaitStatus(status),
		Hanged: wasHang,
	}, nil
}

func (c *command) writeCmd(cmd forksrv.Command) error {
	n, err := c.reqw.Write([]byte{byte(cmd)})
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("short command write")
	}
	return nil
}

func (c *command) readResp() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.respr, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}
