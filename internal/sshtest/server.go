// Package sshtest runs an in-process SSH server for tests. It accepts
// password and public-key logins, answers exec requests through a pluggable
// handler, echoes interactive shells and serves an in-memory SFTP subsystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

const (
	User     = "tester"
	Password = "s3cret"
)

// ExecFunc answers an exec request.
type ExecFunc func(cmd string, stdin []byte) (stdout, stderr string, exitCode int)

// Server is a running test SSH server.
type Server struct {
	Host           string
	Port           int
	KeyPath        string
	KnownHostsPath string

	listener net.Listener
	exec     ExecFunc
	files    sftp.Handlers

	accepted atomic.Int64
	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithExec replaces the default exec handler.
func WithExec(fn ExecFunc) Option {
	return func(s *Server) { s.exec = fn }
}

// Start launches a server on 127.0.0.1 and stops it when the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("convert client public key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == User && string(pass) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == User && bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)

	dir := t.TempDir()
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyPath := filepath.Join(dir, "client.key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write client key: %v", err)
	}
	knownHostsPath := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(listener.Addr().String())}, hostSigner.PublicKey())
	if err := os.WriteFile(knownHostsPath, []byte(line+"\n"), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	s := &Server{
		Host:           addr.IP.String(),
		Port:           addr.Port,
		KeyPath:        keyPath,
		KnownHostsPath: knownHostsPath,
		listener:       listener,
		exec:           DefaultExec,
		files:          sftp.InMemHandler(),
		conns:          make(map[*ssh.ServerConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.serve(cfg)
	t.Cleanup(s.Close)
	return s
}

// Target returns a password-authenticated target for the server.
func (s *Server) Target() protocol.Target {
	return protocol.Target{Host: s.Host, Port: s.Port, Username: User, Password: Password}
}

// KeyTarget returns a key-authenticated target that verifies the host key.
func (s *Server) KeyTarget() protocol.Target {
	return protocol.Target{Host: s.Host, Port: s.Port, Username: User, KeyPath: s.KeyPath, KnownHostsPath: s.KnownHostsPath}
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Accepted returns the number of completed handshakes.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Active returns the number of open client connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every client connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
}

func (s *Server) serve(cfg *ssh.ServerConfig) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc, cfg)
	}
}

func (s *Server) handleConn(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	s.accepted.Add(1)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env", "window-change":
			reply(req, true)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)
			go ssh.DiscardRequests(reqs)
			stdin, _ := io.ReadAll(ch)
			stdout, stderr, code := s.exec(payload.Command, stdin)
			io.WriteString(ch, stdout)
			io.WriteString(ch.Stderr(), stderr)
			sendExitStatus(ch, code)
			return
		case "shell":
			reply(req, true)
			go func() {
				io.Copy(ch, ch)
				sendExitStatus(ch, 0)
				ch.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)
			go ssh.DiscardRequests(reqs)
			srv := sftp.NewRequestServer(ch, s.files)
			srv.Serve()
			srv.Close()
			return
		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

// DefaultExec understands "echo ARGS", "cat" (echoes stdin), "exit N" and
// "sleep" (returns immediately); anything else exits 127.
func DefaultExec(cmd string, stdin []byte) (string, string, int) {
	name, args, _ := strings.Cut(strings.TrimSpace(cmd), " ")
	switch name {
	case "echo":
		return args + "\n", "", 0
	case "cat":
		return string(stdin), "", 0
	case "exit":
		code, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return "", "exit: numeric argument required\n", 2
		}
		return "", "", code
	case "sleep", "true":
		return "", "", 0
	}
	return "", name + ": command not found\n", 127
}
