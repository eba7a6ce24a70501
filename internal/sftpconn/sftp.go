// Package sftpconn implements the pooled SFTP protocol over an SSH
// connection. Importing it registers protocol.KindSFTP with
// protocol.DefaultRegistry.
package sftpconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
	"github.com/gluk-w/claworc/sessionpool/internal/sshconn"
)

func init() {
	protocol.MustRegister(protocol.Definition{
		Kind:        protocol.KindSFTP,
		Description: "SFTP file transfer over SSH",
		New:         func() protocol.Connection { return New() },
	})
}

// ErrNotConnected is returned by file operations before Connect.
var ErrNotConnected = errors.New("sftp: not connected")

// FileEntry describes one directory entry.
type FileEntry struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir"`
}

// Connection is an SFTP session. It is not safe for concurrent file
// operations from several goroutines; the pool hands it to one owner at a
// time.
type Connection struct {
	ssh    sshconn.Conn
	mu     sync.Mutex
	client *sftp.Client
	logger zerolog.Logger
}

// New returns an unconnected SFTP connection.
func New() *Connection {
	return &Connection{logger: log.With().Str("component", "sftp").Logger()}
}

func (c *Connection) Kind() protocol.Kind { return protocol.KindSFTP }

// Connect dials target and starts the sftp subsystem.
func (c *Connection) Connect(ctx context.Context, target protocol.Target, timeout time.Duration) error {
	client, err := c.ssh.Open(ctx, target, timeout)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		c.ssh.Close()
		return fmt.Errorf("start sftp subsystem: %w", err)
	}
	c.mu.Lock()
	c.client = sc
	c.mu.Unlock()
	c.logger.Debug().Str("target", target.String()).Msg("sftp session opened")
	return nil
}

// Disconnect closes the sftp session and its SSH transport.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	sc := c.client
	c.client = nil
	c.mu.Unlock()

	alive := c.ssh.Alive()
	var sftpErr error
	if sc != nil {
		sftpErr = sc.Close()
	}
	if err := c.ssh.Close(); err != nil {
		return fmt.Errorf("close ssh: %w", err)
	}
	// Closing the subsystem of a dead transport always fails.
	if alive && sftpErr != nil && !errors.Is(sftpErr, io.EOF) && !errors.Is(sftpErr, sftp.ErrSSHFxConnectionLost) {
		return fmt.Errorf("close sftp: %w", sftpErr)
	}
	return nil
}

func (c *Connection) IsValid() bool {
	c.mu.Lock()
	connected := c.client != nil
	c.mu.Unlock()
	return connected && c.ssh.Alive()
}

func (c *Connection) IsClosed() bool { return c.ssh.Closed() }

func (c *Connection) sftp() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// CurrentDirectory returns the remote working directory.
func (c *Connection) CurrentDirectory() (string, error) {
	sc, err := c.sftp()
	if err != nil {
		return "", err
	}
	wd, err := sc.Getwd()
	if err != nil {
		return "", fmt.Errorf("current directory: %w", err)
	}
	return wd, nil
}

// List returns the entries of dir sorted by name. A missing directory yields
// an empty list.
func (c *Connection) List(dir string) ([]FileEntry, error) {
	sc, err := c.sftp()
	if err != nil {
		return nil, err
	}
	infos, err := sc.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return []FileEntry{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	entries := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, FileEntry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			Mode:    fi.Mode(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *Connection) stat(p string) (os.FileInfo, error) {
	sc, err := c.sftp()
	if err != nil {
		return nil, err
	}
	return sc.Stat(p)
}

// Exists reports whether p exists.
func (c *Connection) Exists(p string) bool {
	_, err := c.stat(p)
	return err == nil
}

// IsDirectory reports whether p is a directory.
func (c *Connection) IsDirectory(p string) bool {
	fi, err := c.stat(p)
	return err == nil && fi.IsDir()
}

// IsFile reports whether p is a regular file.
func (c *Connection) IsFile(p string) bool {
	fi, err := c.stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Mkdirs creates dir and any missing parents.
func (c *Connection) Mkdirs(dir string) error {
	sc, err := c.sftp()
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdirs %s: %w", dir, err)
	}
	return nil
}

// Upload writes r to dir/name, creating dir if needed and replacing an
// existing file.
func (c *Connection) Upload(dir, name string, r io.Reader) (int64, error) {
	sc, err := c.sftp()
	if err != nil {
		return 0, err
	}
	if err := sc.MkdirAll(dir); err != nil {
		return 0, fmt.Errorf("upload: mkdirs %s: %w", dir, err)
	}
	dst := path.Join(dir, name)
	f, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("upload: create %s: %w", dst, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("upload %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("upload %s: close: %w", dst, err)
	}
	return n, nil
}

// Download opens dir/name for reading. The caller closes the reader.
func (c *Connection) Download(dir, name string) (io.ReadCloser, error) {
	sc, err := c.sftp()
	if err != nil {
		return nil, err
	}
	src := path.Join(dir, name)
	f, err := sc.Open(src)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", src, err)
	}
	return f, nil
}

// DeleteFile removes dir/name. A missing file is not an error.
func (c *Connection) DeleteFile(dir, name string) error {
	sc, err := c.sftp()
	if err != nil {
		return err
	}
	p := path.Join(dir, name)
	if _, err := sc.Stat(p); err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if err := sc.Remove(p); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// DeleteDirectory removes an empty directory. A missing directory is not an
// error.
func (c *Connection) DeleteDirectory(dir string) error {
	sc, err := c.sftp()
	if err != nil {
		return err
	}
	if _, err := sc.Stat(dir); err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete directory %s: %w", dir, err)
	}
	if err := sc.RemoveDirectory(dir); err != nil {
		return fmt.Errorf("delete directory %s: %w", dir, err)
	}
	return nil
}

// Rename moves from to to.
func (c *Connection) Rename(from, to string) error {
	sc, err := c.sftp()
	if err != nil {
		return err
	}
	if err := sc.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func isNotExist(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxNoSuchFile
}
