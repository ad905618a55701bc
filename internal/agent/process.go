// ABOUTME: Spawns the agent binary with piped stdio and wires it to a Broker
// ABOUTME: The process is reaped after its stdout drains, on every exit path

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mauromedda/sg-nvim-go/internal/log"
)

// ErrNoAgentPath is returned by Spawn when no agent binary is configured.
var ErrNoAgentPath = errors.New("no agent binary configured")

// ApproveFunc validates whether spawning the agent command is allowed.
// Return nil to approve; return an error to block.
type ApproveFunc func(command string, args []string) error

// SpawnConfig describes how to run the agent and what to tell it.
type SpawnConfig struct {
	Path string
	Args []string
	// Env is appended to the backend's own environment.
	Env     []string
	Dir     string
	Approve ApproveFunc
	Client  ClientInfo
	Options Options
}

type process struct {
	cmd    *exec.Cmd
	stderr io.Closer
	exited chan struct{}
	err    error
}

// reap waits for the reader to hit end of stream before calling Wait, since
// Wait closes the stdout pipe.
func (p *process) reap(readerDone <-chan struct{}) {
	<-readerDone
	p.err = p.cmd.Wait()
	_ = p.stderr.Close()
	close(p.exited)
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) wait(grace time.Duration) error {
	select {
	case <-p.exited:
		return p.err
	case <-time.After(grace):
	}
	p.kill()
	<-p.exited
	return p.err
}

// Spawn starts the agent and a Broker over its stdio, then sends
// initialize. ctx bounds the lifetime of the process.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Broker, error) {
	if cfg.Path == "" {
		return nil, ErrNoAgentPath
	}
	if cfg.Approve != nil {
		if err := cfg.Approve(cfg.Path, cfg.Args); err != nil {
			return nil, fmt.Errorf("agent %q denied: %w", cfg.Path, err)
		}
	}

	opts := cfg.Options.withDefaults()
	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	cmd.WaitDelay = opts.ShutdownGrace
	stderr := log.Writer(log.LevelWarn, "agent")
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %q: %w", cfg.Path, err)
	}

	b := NewBroker(stdout, stdin, opts)
	p := &process{cmd: cmd, stderr: stderr, exited: make(chan struct{})}
	b.proc = p
	b.kill = p.kill
	go p.reap(b.readerDone)

	log.Info("agent session %s: spawned %s (pid %d)", b.session, cfg.Path, cmd.Process.Pid)
	if err := b.Start(cfg.Client); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}
