package sftpconn

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
	"github.com/gluk-w/claworc/sessionpool/internal/sshtest"
)

func connect(t *testing.T) (*Connection, *sshtest.Server) {
	t.Helper()
	srv := sshtest.Start(t)
	c := New()
	require.NoError(t, c.Connect(context.Background(), srv.Target(), 5*time.Second))
	t.Cleanup(func() { c.Disconnect() })
	return c, srv
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	def, err := protocol.Lookup("SFTP")
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSFTP, def.Kind)
	_, ok := def.New().(*Connection)
	assert.True(t, ok)
}

func TestOperationsBeforeConnect(t *testing.T) {
	c := New()
	assert.False(t, c.IsValid())
	assert.False(t, c.IsClosed())
	_, err := c.CurrentDirectory()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Exists("/"))
	assert.NoError(t, c.Disconnect())
}

func TestConnectFailure(t *testing.T) {
	srv := sshtest.Start(t)
	target := srv.Target()
	target.Password = "nope"

	c := New()
	require.Error(t, c.Connect(context.Background(), target, 5*time.Second))
	assert.False(t, c.IsValid())
}

func TestCurrentDirectory(t *testing.T) {
	c, _ := connect(t)
	wd, err := c.CurrentDirectory()
	require.NoError(t, err)
	assert.Equal(t, "/", wd)
}

func TestMkdirsAndDeleteDirectory(t *testing.T) {
	c, _ := connect(t)

	require.NoError(t, c.Mkdirs("/com/test"))
	assert.True(t, c.IsDirectory("/com"))
	assert.True(t, c.IsDirectory("/com/test"))
	assert.False(t, c.IsFile("/com/test"))

	// Creating an existing directory is fine.
	require.NoError(t, c.Mkdirs("/com/test"))

	require.NoError(t, c.DeleteDirectory("/com/test"))
	assert.False(t, c.Exists("/com/test"))
	assert.True(t, c.Exists("/com"))

	// Deleting a missing directory is a no-op.
	assert.NoError(t, c.DeleteDirectory("/com/test"))
}

func TestUploadDownload(t *testing.T) {
	c, _ := connect(t)
	payload := []byte("pooled sftp payload\n")

	n, err := c.Upload("/upload/dir", "data.txt", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.True(t, c.IsFile("/upload/dir/data.txt"))
	assert.False(t, c.IsDirectory("/upload/dir/data.txt"))

	rc, err := c.Download("/upload/dir", "data.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	// Uploading again replaces the content.
	_, err = c.Upload("/upload/dir", "data.txt", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)
	rc, err = c.Download("/upload/dir", "data.txt")
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "v2", string(got))
}

func TestDownloadMissingFile(t *testing.T) {
	c, _ := connect(t)
	_, err := c.Download("/nowhere", "missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download /nowhere/missing.txt")
}

func TestDeleteFile(t *testing.T) {
	c, _ := connect(t)
	_, err := c.Upload("/del", "a.txt", bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	require.NoError(t, c.DeleteFile("/del", "a.txt"))
	assert.False(t, c.Exists("/del/a.txt"))
	assert.NoError(t, c.DeleteFile("/del", "a.txt"))
}

func TestRename(t *testing.T) {
	c, _ := connect(t)
	_, err := c.Upload("/mv", "old.txt", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, c.Rename("/mv/old.txt", "/mv/new.txt"))
	assert.False(t, c.Exists("/mv/old.txt"))
	assert.True(t, c.IsFile("/mv/new.txt"))

	err = c.Rename("/mv/absent.txt", "/mv/other.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rename")
}

func TestList(t *testing.T) {
	c, _ := connect(t)
	require.NoError(t, c.Mkdirs("/ls/sub"))
	_, err := c.Upload("/ls", "b.txt", bytes.NewReader([]byte("bb")))
	require.NoError(t, err)
	_, err = c.Upload("/ls", "a.txt", bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	entries, err := c.List("/ls")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.EqualValues(t, 1, entries[0].Size)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "sub", entries[2].Name)
	assert.True(t, entries[2].IsDir)

	missing, err := c.List("/does/not/exist")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDisconnect(t *testing.T) {
	c, _ := connect(t)
	require.True(t, c.IsValid())
	require.False(t, c.IsClosed())

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsValid())
	assert.True(t, c.IsClosed())
	_, err := c.CurrentDirectory()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServerDropInvalidatesConnection(t *testing.T) {
	c, srv := connect(t)
	srv.DropConnections()

	require.Eventually(t, func() bool { return !c.IsValid() }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsClosed())
	assert.NoError(t, c.Disconnect())
}
