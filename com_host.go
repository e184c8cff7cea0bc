// com_host.go - Raw-mode terminal host for the UART console

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

package main

import (
	"os"

	"golang.org/x/term"
)

// ConsoleHost puts the controlling terminal into raw mode so keystrokes
// reach the 6502's UART unbuffered, and restores it on the way out.
type ConsoleHost struct {
	fd           int
	oldTermState *term.State
}

func NewConsoleHost() *ConsoleHost {
	return &ConsoleHost{fd: int(os.Stdin.Fd())}
}

// Raw switches the terminal into raw mode. Harmless when stdin is not a
// terminal.
func (h *ConsoleHost) Raw() error {
	if !term.IsTerminal(h.fd) {
		return nil
	}
	oldState, err := term.MakeRaw(h.fd)
	if err != nil {
		return err
	}
	h.oldTermState = oldState
	return nil
}

// Restore undoes Raw. Idempotent.
func (h *ConsoleHost) Restore() {
	if h.oldTermState != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
	}
}
