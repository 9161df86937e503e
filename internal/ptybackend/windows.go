//go:build windows

package ptybackend

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudo-console.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// spawnWithSize starts cmd inside a Windows ConPTY at the given
// dimensions. ConPTY is experimental support and must be explicitly
// opted into: windowsExperimental=false returns an error rather than
// starting an unsupported configuration silently.
//
// ConPTY manages process creation internally, so this builds a command
// line from the exec.Cmd and starts the process via ConPTY. After this
// call, cmd.Process is set so callers can manage the process lifecycle.
func spawnWithSize(cmd *exec.Cmd, cols, rows int, windowsExperimental bool) (Handle, error) {
	if !windowsExperimental {
		return nil, fmt.Errorf("ptybackend: Windows ConPTY support is experimental; pass --experimental to enable it")
	}

	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find ConPTY process %d: %w", pid, err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}

// exitCodeOf reports the plain process exit code; Windows has no POSIX
// signal-exit convention to fold in.
func exitCodeOf(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
