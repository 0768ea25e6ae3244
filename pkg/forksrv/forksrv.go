// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package forksrv implements the fork-server controller: a long-lived process
// that runs one target invocation per supervisor request while reusing the
// already-initialized process image and the warm translation cache.
//
// The protocol is synchronous and fixed-size: single command bytes arrive on
// the request channel, 4-byte native-endian values go back on the response
// channel (the readiness token, the forked child's pid, the raw wait status).
// The protocol has no mid-stream resynchronization, so any transport failure
// on these channels is fatal to the controller process.
package forksrv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/fuzzbee/fuzzbee/pkg/cover"
	"github.com/fuzzbee/fuzzbee/pkg/log"
	"github.com/fuzzbee/fuzzbee/pkg/osutil"
	"github.com/fuzzbee/fuzzbee/pkg/tcache"
)

// Command is a supervisor request. The values are wire protocol.
type Command byte

const (
	CmdTerminate Command = iota
	CmdRunOnce           // unsupported in fork-server mode
	CmdForkOnce          // unsupported in fork-server mode
	CmdForkRun
	CmdGetStatus
)

// ReadyToken is written to the response channel on startup to announce a live
// fork server. It also disambiguates the initial handshake from pid responses.
const ReadyToken = uint32(0x41414141)

// Exit statuses of the controller process. Transport failures and the
// coverage subsystem get distinct codes so the supervisor can tell
// "protocol broke" apart from "coverage broke" apart from "target crashed".
const (
	StatusOK         = 0
	StatusTransport  = 1
	StatusShmAttach  = 67
	StatusRelaySetup = 68
	StatusSpawn      = 69
)

// RelayFDEnv tells a spawned child which descriptor carries the relay pipe.
// Go maps inherited files positionally, so the number travels by env rather
// than by a dup2'd fixed descriptor.
const RelayFDEnv = "FUZZBEE_RELAY_FD"

// Control channel descriptors. When a supervisor spawns the controller it
// places the pipes at low descriptors and records them in the environment;
// a controller embedded into an emulator harness uses the fixed numbers.
const (
	ReqFDEnv  = "FUZZBEE_REQ_FD"
	RespFDEnv = "FUZZBEE_RESP_FD"

	DefaultReqFD  = 198
	DefaultRespFD = 199
)

// ControlFiles opens the supervisor-facing request and response channels
// based on the environment, falling back to the fixed descriptor numbers.
func ControlFiles() (req, resp *os.File, err error) {
	reqFD, err := fdFromEnv(ReqFDEnv, DefaultReqFD)
	if err != nil {
		return nil, nil, err
	}
	respFD, err := fdFromEnv(RespFDEnv, DefaultRespFD)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(reqFD), "forksrv-req"), os.NewFile(uintptr(respFD), "forksrv-resp"), nil
}

func fdFromEnv(name string, def int) (int, error) {
	val := os.Getenv(name)
	if val == "" {
		return def, nil
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("bad %v value %q: %w", name, val, err)
	}
	return fd, nil
}

// ErrNoSupervisor is returned by Run when the initial readiness token cannot
// be written. It means nobody is driving the protocol and the caller should
// fall back to a single plain run of the target.
var ErrNoSupervisor = errors.New("no supervisor on control channel")

// SpawnFunc starts one target execution. It receives the write end of the
// relay pipe to hand to the child and returns the child pid.
type SpawnFunc func(relay *os.File) (int, error)

// WaitFunc blocks until the process exits and returns its raw wait status.
type WaitFunc func(pid int) (unix.WaitStatus, error)

// Config describes one controller session. Req/Resp are the supervisor-facing
// channels. Exactly one of Target and Spawn must be set.
type Config struct {
	Req  *os.File
	Resp *os.File

	// Cache services relay requests during fork-and-run windows.
	Cache *tcache.Cache

	// Target is the argv of the program to run per fork-and-run.
	Target []string

	// Env is appended to the spawned child's environment (shm id, ratio).
	Env []string

	// Spawn and Wait override process creation and reaping, for tests.
	Spawn SpawnFunc
	Wait  WaitFunc

	// Exit terminates the controller process. Defaults to os.Exit.
	Exit func(code int)
}

// Session holds the per-session supervisor state: the current response value
// and the live child handle. There is at most one live child at a time and a
// session object is never shared between processes, so multiple sessions
// (e.g. in tests) do not interfere.
type Session struct {
	cfg      *Config
	spawn    SpawnFunc
	wait     WaitFunc
	exit     func(int)
	response uint32
	childPID int
}

func NewSession(cfg *Config) *Session {
	s := &Session{
		cfg:   cfg,
		spawn: cfg.Spawn,
		wait:  cfg.Wait,
		exit:  cfg.Exit,
	}
	if s.spawn == nil {
		s.spawn = s.spawnTarget
	}
	if s.wait == nil {
		s.wait = waitProcess
	}
	if s.exit == nil {
		s.exit = os.Exit
	}
	return s
}

// Run executes the command loop until a terminating command arrives.
// It returns ErrNoSupervisor if the supervisor is absent; any other way out
// of the loop goes through cfg.Exit.
func (s *Session) Run() error {
	if err := s.writeResp(ReadyToken); err != nil {
		return ErrNoSupervisor
	}
	for {
		var cmd [1]byte
		n, err := s.cfg.Req.Read(cmd[:])
		if n == 0 {
			// Closed request channel is an implicit terminate.
			s.exit(StatusOK)
			return nil
		}
		if err != nil {
			s.exit(StatusTransport)
			return nil
		}
		switch Command(cmd[0]) {
		case CmdTerminate:
			s.exit(StatusOK)
			return nil
		case CmdRunOnce, CmdForkOnce:
			// This target type only supports the combined fork-and-run
			// mode. Unsupported commands terminate cleanly, they are
			// policy, not errors.
			s.exit(StatusOK)
			return nil
		case CmdForkRun:
			if code := s.forkAndRun(); code != -1 {
				s.exit(code)
				return nil
			}
		case CmdGetStatus:
			if code := s.getStatus(); code != -1 {
				s.exit(code)
				return nil
			}
		default:
			log.Logf(0, "forksrv: unknown command %#x", cmd[0])
		}
	}
}

// forkAndRun spawns one child and services the relay until the child closes
// it. Returns -1 to keep looping, or a fatal exit status.
func (s *Session) forkAndRun() int {
	relayR, relayW, err := osutil.LongPipe()
	if err != nil {
		log.Logf(0, "forksrv: failed to create relay pipe: %v", err)
		return StatusRelaySetup
	}
	pid, err := s.spawn(relayW)
	if err != nil {
		log.Logf(0, "forksrv: failed to spawn child: %v", err)
		relayW.Close()
		relayR.Close()
		return StatusSpawn
	}
	s.childPID = pid
	s.response = uint32(pid)
	if err := s.writeResp(s.response); err != nil {
		relayW.Close()
		relayR.Close()
		return StatusTransport
	}
	// Drop our copy of the write end, otherwise the read side never sees
	// end-of-stream once the child exits.
	relayW.Close()
	s.cfg.Cache.Serve(relayR)
	relayR.Close()
	return -1
}

// getStatus reaps the current child and relays its raw wait status.
// Issuing get-status with no live child is a caller error: the wait fails and
// the controller exits, because an unaccounted-for child is unrecoverable.
func (s *Session) getStatus() int {
	if s.childPID == 0 {
		log.Logf(0, "forksrv: get-status with no live child")
		return StatusTransport
	}
	ws, err := s.wait(s.childPID)
	if err != nil {
		log.Logf(0, "forksrv: wait for child %v failed: %v", s.childPID, err)
		return StatusTransport
	}
	s.childPID = 0
	s.response = uint32(ws)
	if err := s.writeResp(s.response); err != nil {
		return StatusTransport
	}
	return -1
}

func (s *Session) writeResp(v uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	n, err := s.cfg.Resp.Write(buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short response write: %v/%v", n, len(buf))
	}
	return nil
}

func (s *Session) spawnTarget(relay *os.File) (int, error) {
	if len(s.cfg.Target) == 0 {
		return 0, fmt.Errorf("no target configured")
	}
	cmd := osutil.Command(s.cfg.Target[0], s.cfg.Target[1:]...)
	cmd.ExtraFiles = []*os.File{relay} // becomes fd 3 in the child
	cmd.Env = append(append(cmd.Env, s.cfg.Env...), RelayFDEnv+"=3")
	cmd.Stdout = log.VerboseWriter(2)
	cmd.Stderr = log.VerboseWriter(2)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	// The pid is reaped with a raw wait on get-status, never with cmd.Wait.
	return cmd.Process.Pid, nil
}

func waitProcess(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			return ws, err
		}
	}
}

// ChildRelay opens the relay requester inside a spawned child based on the
// environment set up by the controller. The child side must treat all relay
// writes as best-effort.
func ChildRelay() (*tcache.Requester, error) {
	fdStr := os.Getenv(RelayFDEnv)
	if fdStr == "" {
		return nil, fmt.Errorf("%v is not set", RelayFDEnv)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("bad %v value %q: %w", RelayFDEnv, fdStr, err)
	}
	return tcache.NewRequester(os.NewFile(uintptr(fd), "relay")), nil
}

// SetupCoverage attaches the coverage bitmap for this process and maps attach
// failures to the distinguished controller exit status.
func SetupCoverage() *cover.Recorder {
	rc, err := cover.Setup()
	if err != nil {
		log.Logf(0, "forksrv: %v", err)
		os.Exit(StatusShmAttach)
	}
	return rc
}
