package ptybackend

import (
	"fmt"
	"os"
	"os/exec"
)

// SpawnRequest carries everything needed to start a supervised child.
type SpawnRequest struct {
	Argv    []string
	Env     []string
	Dir     string
	Cols    int
	Rows    int
	// WindowsExperimental gates the ConPTY backend behind an explicit
	// opt-in; it has no effect on POSIX.
	WindowsExperimental bool
}

// Process bundles the PTY handle with the underlying *exec.Cmd, which the
// supervisor needs for Wait/Signal/exit-code extraction.
type Process struct {
	Handle Handle
	Cmd    *exec.Cmd
}

// Spawn starts argv[0] with argv[1:] as arguments, attached to a new PTY
// at the given initial dimensions.
func Spawn(req SpawnRequest) (*Process, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("ptybackend: empty argv")
	}
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	if req.Env != nil {
		cmd.Env = req.Env
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}

	handle, err := spawnWithSize(cmd, cols, rows, req.WindowsExperimental)
	if err != nil {
		return nil, fmt.Errorf("ptybackend: spawn: %w", err)
	}
	return &Process{Handle: handle, Cmd: cmd}, nil
}

// Resize propagates new host-terminal dimensions to the child PTY.
func (p *Process) Resize(cols, rows uint16) error {
	return p.Handle.Resize(cols, rows)
}

// Signal delivers signum to the child process.
func (p *Process) Signal(sig os.Signal) error {
	if p.Cmd.Process == nil {
		return fmt.Errorf("ptybackend: process not started")
	}
	return p.Cmd.Process.Signal(sig)
}

// Wait blocks until the child exits and extracts a POSIX-style exit
// code, reporting a signalled exit as 128+signal, the standard shell
// convention.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitCodeOf(exitErr), nil
	}
	return -1, err
}

// Close releases the PTY master.
func (p *Process) Close() error {
	return p.Handle.Close()
}
