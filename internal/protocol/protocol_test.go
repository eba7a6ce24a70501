package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{ kind Kind }

func (c *nopConn) Kind() Kind                                           { return c.kind }
func (c *nopConn) Connect(context.Context, Target, time.Duration) error { return nil }
func (c *nopConn) Disconnect() error                                    { return nil }
func (c *nopConn) IsValid() bool                                        { return true }
func (c *nopConn) IsClosed() bool                                       { return false }

func TestTargetKeyIgnoresCredentials(t *testing.T) {
	a := Target{Host: "Example.com", Username: "root", Password: "one"}
	b := Target{Host: "example.com", Port: 22, Username: "root", Password: "two", KeyPath: "/k"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Target{Host: "example.com", Username: "admin"}.Key())
	assert.NotEqual(t, a.Key(), Target{Host: "example.com", Port: 2222, Username: "root"}.Key())
}

func TestTargetStringRedactsSecrets(t *testing.T) {
	tg := Target{Host: "10.0.0.1", Port: 2022, Username: "deploy", Password: "hunter2"}
	assert.Equal(t, "deploy@10.0.0.1:2022", tg.String())
	assert.NotContains(t, fmt.Sprint(tg.Key()), "hunter2")
	assert.Equal(t, "10.0.0.1:2022", tg.Addr())
	assert.Equal(t, "deploy@[::1]:22", Target{Host: "::1", Username: "deploy"}.String())
}

func TestTargetValidate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr string
	}{
		{"ok", Target{Host: "h", Username: "u"}, ""},
		{"empty host", Target{Username: "u"}, "empty host"},
		{"blank host", Target{Host: "  ", Username: "u"}, "empty host"},
		{"negative port", Target{Host: "h", Port: -1, Username: "u"}, "out of range"},
		{"port too large", Target{Host: "h", Port: 70000, Username: "u"}, "out of range"},
		{"empty user", Target{Host: "h"}, "empty username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTarget)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Kind: "SFTP", New: func() Connection { return &nopConn{kind: KindSFTP} }}))

	def, err := r.Lookup("sftp")
	require.NoError(t, err)
	assert.Equal(t, KindSFTP, def.Kind)

	def, err = r.Lookup(" Sftp ")
	require.NoError(t, err)
	assert.Equal(t, KindSFTP, def.New().Kind())
}

func TestRegistryRejectsDuplicatesAndBadDefinitions(t *testing.T) {
	r := NewRegistry()
	newConn := func() Connection { return &nopConn{kind: KindShell} }
	require.NoError(t, r.Register(Definition{Kind: KindShell, New: newConn}))

	assert.ErrorContains(t, r.Register(Definition{Kind: "shell", New: newConn}), "already registered")
	assert.ErrorContains(t, r.Register(Definition{Kind: "", New: newConn}), "empty kind")
	assert.ErrorContains(t, r.Register(Definition{Kind: "telnet"}), "nil factory")
	assert.Panics(t, func() { r.MustRegister(Definition{Kind: KindShell, New: newConn}) })
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("gopher")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedProtocol))
	assert.Empty(t, r.Kinds())
}

func TestRegistryKindsSorted(t *testing.T) {
	r := NewRegistry()
	for _, k := range []Kind{"shell", "sftp", "ftp"} {
		k := k
		r.MustRegister(Definition{Kind: k, New: func() Connection { return &nopConn{kind: k} }})
	}
	assert.Equal(t, []Kind{"ftp", "sftp", "shell"}, r.Kinds())
}

func TestConnectErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("borrow: %w", &ConnectError{Target: Target{Host: "h", Username: "u"}.Key(), Kind: KindShell, Err: cause})

	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindShell, ce.Kind)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "borrow: connect shell u@h:22: connection refused", err.Error())
}
