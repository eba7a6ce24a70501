// Package shellconn implements the pooled shell protocol: command execution
// and interactive PTY sessions over one SSH connection. Importing it
// registers protocol.KindShell with protocol.DefaultRegistry.
package shellconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sessionpool/internal/logging"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
	"github.com/gluk-w/claworc/sessionpool/internal/sshconn"
)

func init() {
	protocol.MustRegister(protocol.Definition{
		Kind:        protocol.KindShell,
		Description: "remote command execution and interactive shells over SSH",
		New:         func() protocol.Connection { return New() },
	})
}

// slowCommand is the duration above which commands are logged as slow.
const slowCommand = 500 * time.Millisecond

// ErrNotConnected is returned before Connect.
var ErrNotConnected = errors.New("shell: not connected")

// Result is the outcome of one command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Connection runs commands over a pooled SSH connection. Each command gets
// its own SSH session, so a Connection may run several at once.
type Connection struct {
	ssh    sshconn.Conn
	logger zerolog.Logger
}

// New returns an unconnected shell connection.
func New() *Connection {
	return &Connection{logger: log.With().Str("component", "shell").Logger()}
}

func (c *Connection) Kind() protocol.Kind { return protocol.KindShell }

func (c *Connection) Connect(ctx context.Context, target protocol.Target, timeout time.Duration) error {
	_, err := c.ssh.Open(ctx, target, timeout)
	return err
}

func (c *Connection) Disconnect() error { return c.ssh.Close() }

func (c *Connection) IsValid() bool { return c.ssh.Alive() }

func (c *Connection) IsClosed() bool { return c.ssh.Closed() }

// Keepalive checks that the transport still answers.
func (c *Connection) Keepalive(timeout time.Duration) error {
	return c.ssh.Keepalive(timeout)
}

func (c *Connection) session() (*ssh.Session, error) {
	client := c.ssh.Client()
	if client == nil || c.ssh.Closed() {
		return nil, ErrNotConnected
	}
	s, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	return s, nil
}

// Exec runs cmd and collects its output. A non-zero exit status is reported
// in Result.ExitCode, not as an error. Cancelling ctx kills the command.
func (c *Connection) Exec(ctx context.Context, cmd string) (Result, error) {
	return c.run(ctx, cmd, nil)
}

// ExecWithStdin runs cmd with input piped to its stdin.
func (c *Connection) ExecWithStdin(ctx context.Context, cmd string, input io.Reader) (Result, error) {
	if input == nil {
		input = bytes.NewReader(nil)
	}
	return c.run(ctx, cmd, input)
}

func (c *Connection) run(ctx context.Context, cmd string, input io.Reader) (Result, error) {
	start := time.Now()
	session, err := c.session()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	session.Stdin = input

	if err := session.Start(cmd); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-waitErr
		return Result{ExitCode: -1, Duration: time.Since(start)}, fmt.Errorf("run command: %w", ctx.Err())
	}

	res := Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}
	if res.Duration > slowCommand {
		label := cmd
		if len(label) > 80 {
			label = label[:80] + "..."
		}
		c.logger.Warn().Dur("elapsed", res.Duration).Str("cmd", logging.SanitizeForLog(label)).Msg("slow command")
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run command: %w", runErr)
	}
	return res, nil
}
