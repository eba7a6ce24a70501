package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("connection closed")
)

// Conn owns one SSH client and reports its liveness without I/O.
// The zero value is ready to Open.
type Conn struct {
	mu     sync.Mutex
	client *ssh.Client
	target string
	closed bool
	done   chan struct{}
}

// Open dials target. A Conn can be opened once.
func (c *Conn) Open(ctx context.Context, target protocol.Target, timeout time.Duration) (*ssh.Client, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.client != nil:
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.mu.Unlock()

	client, err := Dial(ctx, target, timeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		client.Close()
		return nil, ErrClosed
	}
	c.client = client
	c.target = target.String()
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		err := client.Wait()
		close(done)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			log.Debug().Str("component", "sshconn").Str("target", c.target).Err(err).Msg("ssh transport ended")
		}
	}()
	return client, nil
}

// Client returns the SSH client, or nil before Open.
func (c *Conn) Client() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Alive reports whether the connection is open and its transport is up.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.closed {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Closed reports whether Close was called or the transport went away.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.client == nil {
		return false
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close shuts the client down. Closing an already dead transport is not an
// error; closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Keepalive sends an OpenSSH keepalive request and waits up to timeout for
// the reply.
func (c *Conn) Keepalive(timeout time.Duration) error {
	client := c.Client()
	if client == nil {
		return ErrNotConnected
	}
	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("keepalive: no reply after %s", timeout)
	}
}
