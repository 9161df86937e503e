// Package ptybackend spawns the supervised child inside a pseudoterminal
// and exposes a small platform-neutral capability set: spawn, read,
// write, resize, signal, wait, close. Two concrete variants exist: a
// POSIX pseudoterminal backend (macOS, Linux) built on github.com/creack/pty,
// and an experimental Windows ConPTY backend gated behind an explicit
// opt-in flag (see SpawnRequest.WindowsExperimental).
package ptybackend

import "io"

// Handle is the cross-platform PTY master handle: ordinary stream I/O plus
// the one PTY-specific operation, resize.
type Handle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
