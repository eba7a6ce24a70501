package shellconn

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AllowedShells lists the shells an interactive terminal may start.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// ValidateShell accepts an empty shell (the account's login shell), an
// entry of AllowedShells, or a plain "su [- user]" without shell
// metacharacters.
func ValidateShell(shell string) error {
	if shell == "" || AllowedShells[shell] {
		return nil
	}
	if shell == "su" || strings.HasPrefix(shell, "su ") || strings.HasPrefix(shell, "su\t") {
		if i := strings.IndexAny(shell, ";&|$`(){}<>\n\\\"'!"); i >= 0 {
			return fmt.Errorf("shell command %q contains forbidden character %q", shell, shell[i:i+1])
		}
		return nil
	}
	return fmt.Errorf("shell %q is not in the allowed list", shell)
}

// Terminal is an interactive PTY session.
type Terminal struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	session *ssh.Session
}

// Resize changes the PTY dimensions.
func (t *Terminal) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > MaxResizeCols || rows > MaxResizeRows {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return t.session.WindowChange(int(rows), int(cols))
}

// Wait blocks until the remote shell exits.
func (t *Terminal) Wait() error { return t.session.Wait() }

// Close ends the session.
func (t *Terminal) Close() error { return t.session.Close() }

// OpenTerminal starts shell on a new PTY. An empty shell starts the
// account's login shell.
func (c *Connection) OpenTerminal(shell string, cols, rows uint16) (*Terminal, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	session, err := c.session()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if shell == "" {
		err = session.Shell()
	} else {
		err = session.Start(shell)
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell %q: %w", shell, err)
	}
	return &Terminal{Stdin: stdin, Stdout: stdout, session: session}, nil
}
