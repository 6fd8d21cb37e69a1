//go:build !windows

package bridge

import (
	"errors"
	"os"
	"os/exec"
)

// processHandle is the Supervisor's view of the child process.
type processHandle interface {
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
	// ExitCode is valid after Exited is closed.
	ExitCode() int
	Kill() error
	Pid() int
}

// execProcess reaps an exec.Cmd in its own goroutine. It is the only caller
// of cmd.Wait.
type execProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
	code   int
}

func newExecProcess(cmd *exec.Cmd) *execProcess {
	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		p.code = -1
		if cmd.ProcessState != nil {
			p.code = cmd.ProcessState.ExitCode()
		}
		close(p.exited)
	}()
	return p
}

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitCode() int {
	<-p.exited
	return p.code
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
