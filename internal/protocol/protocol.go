// Package protocol defines the connection capability the pool manages, the
// identity of a remote target, and the registry that maps a protocol kind to
// the concrete connection implementation.
package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind names a connection protocol.
type Kind string

const (
	KindSFTP  Kind = "sftp"
	KindShell Kind = "shell"
)

// DefaultPort is used when a Target leaves Port unset.
const DefaultPort = 22

func (k Kind) normalize() Kind {
	return Kind(strings.ToLower(strings.TrimSpace(string(k))))
}

// Connection is implemented by every pooled protocol session.
//
// IsValid and IsClosed are called while the pool holds its table lock and
// must not block on network I/O.
type Connection interface {
	Kind() Kind
	Connect(ctx context.Context, target Target, timeout time.Duration) error
	Disconnect() error
	IsValid() bool
	IsClosed() bool
}

// Target describes a remote endpoint plus the credentials used to reach it.
type Target struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password,omitempty" yaml:"-"`
	KeyPath        string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	KnownHostsPath string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
}

// TargetKey is the pooling identity of a Target. Credentials are not part of
// it: two targets differing only in password share pooled connections.
type TargetKey struct {
	Host     string
	Port     int
	Username string
}

// Key returns the pooling identity of t.
func (t Target) Key() TargetKey {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return TargetKey{
		Host:     strings.ToLower(strings.TrimSpace(t.Host)),
		Port:     port,
		Username: t.Username,
	}
}

// Addr returns host:port suitable for dialing.
func (t Target) Addr() string {
	k := t.Key()
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// String never includes credentials.
func (t Target) String() string {
	return t.Key().String()
}

// Validate checks that t names a reachable endpoint.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, t.Port)
	}
	if t.Username == "" {
		return fmt.Errorf("%w %s: empty username", ErrInvalidTarget, t.Host)
	}
	return nil
}

func (k TargetKey) String() string {
	return k.Username + "@" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}
