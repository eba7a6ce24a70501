package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

// Dial opens an SSH client connection to target. timeout bounds the TCP
// connect and the handshake; ctx cancellation aborts either.
func Dial(ctx context.Context, target protocol.Target, timeout time.Duration) (*ssh.Client, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	auth, err := authMethods(target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	hostKeyCallback, err := hostKeyCallback(target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	addr := target.Addr()
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dial %s: %w", target, ctxErr)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	if timeout > 0 {
		nc.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	stopped := stop()
	if err != nil {
		nc.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake %s: %w", target, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake %s: %w", target, err)
	}
	if !stopped {
		c.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", target, ctx.Err())
	}
	nc.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(target protocol.Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if target.KeyPath != "" {
		keyData, err := os.ReadFile(target.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("private key %s is passphrase protected", target.KeyPath)
			}
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		password := target.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials: set a password or a private key")
	}
	return methods, nil
}

func hostKeyCallback(target protocol.Target) (ssh.HostKeyCallback, error) {
	if target.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(target.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
