// Package sftp discovers files on a remote host over SFTP.
package sftp

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

// session is an open SFTP client and the transport under it.
type session struct {
	client *sftp.Client
	closer io.Closer
}

func (s *session) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Connector walks a directory on an SFTP server.
type Connector struct {
	*base.BaseConnector

	addr    string
	host    string
	root    string
	include []string
	hidden  bool

	dial func(ctx context.Context) (*session, error)

	mu   sync.Mutex
	sess *session
}

// New creates an SFTP connector.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	host, err := cfg.RequiredSetting("host")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sftp source")
	}
	port, err := cfg.IntSetting("port", 22)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sftp source")
	}
	hidden, err := cfg.BoolSetting("include_hidden", false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sftp source")
	}
	clientConfig, err := sshConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("sftp", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize)),
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		host:    host,
		root:    path.Clean(cfg.Setting("root", ".")),
		include: cfg.ListSetting("include"),
		hidden:  hidden,
	}
	for _, p := range c.include {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid glob pattern").WithDetail("pattern", p)
		}
	}
	c.dial = func(ctx context.Context) (*session, error) {
		return dialSSH(ctx, c.addr, clientConfig)
	}
	return c, nil
}

func sshConfig(cfg *config.SourceConfig) (*ssh.ClientConfig, error) {
	user := cfg.Credential("username")
	if user == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "username is required in security.credentials").
			WithDetail("source_id", cfg.ID)
	}

	var auth []ssh.AuthMethod
	if key := cfg.Credential("private_key"); key != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if pass := cfg.Credential("private_key_passphrase"); pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pw := cfg.Credential("password"); pw != "" {
		auth = append(auth, ssh.Password(pw))
	}
	if len(auth) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "password or private_key is required in security.credentials").
			WithDetail("source_id", cfg.ID)
	}

	insecure, err := cfg.BoolSetting("insecure_ignore_host_key", false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid sftp source")
	}
	hostKeys := ssh.InsecureIgnoreHostKey()
	if !insecure {
		file := cfg.Setting("known_hosts", "")
		if file == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot locate known_hosts")
			}
			file = filepath.Join(home, ".ssh", "known_hosts")
		}
		hostKeys, err = knownhosts.New(file)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load known_hosts").WithDetail("file", file)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeouts.Connection,
	}, nil
}

func dialSSH(ctx context.Context, addr string, clientConfig *ssh.ClientConfig) (*session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, err
	}
	return &session{client: client, closer: sshClient}, nil
}

// getClient returns the shared session, dialing on first use. The session
// stays open so sample readers can be opened after Discover returns.
func (c *Connector) getClient(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess.client, nil
	}
	var sess *session
	err := c.Connect(ctx, "sftp", func(ctx context.Context) error {
		s, err := c.dial(ctx)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.sess = sess
	c.Logger().Info("sftp session opened", zap.String("addr", c.addr))
	return sess.client, nil
}

// TestConnection opens a session and stats root.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"addr": c.addr, "root": c.root}
	client, err := c.getClient(ctx)
	if err == nil {
		if wd, werr := client.Getwd(); werr == nil {
			details["working_dir"] = wd
		}
		if _, serr := client.Stat(c.root); serr != nil {
			err = errors.Wrap(serr, errors.ErrorTypeConnection, "root is not accessible").WithDetail("root", c.root)
		}
	}
	return c.Status(start, err, details)
}

// Discover walks root and emits one asset per regular file.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Stat(c.root); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "root is not accessible").WithDetail("root", c.root)
	}

	return base.NewAssetStream(ctx, 16, func(ctx context.Context, emit base.EmitFunc) error {
		walker := client.Walk(c.root)
		for walker.Step() {
			if err := ctx.Err(); err != nil {
				return base.ClassifyError(err, "sftp walk interrupted")
			}
			if err := walker.Err(); err != nil {
				c.Logger().Warn("skipping unreadable path", zap.String("path", walker.Path()), zap.Error(err))
				continue
			}
			p, info := walker.Path(), walker.Stat()
			if p != c.root && !c.hidden && strings.HasPrefix(info.Name(), ".") {
				if info.IsDir() {
					walker.SkipDir()
				}
				continue
			}
			if !info.Mode().IsRegular() || !c.selected(info.Name()) {
				continue
			}
			if err := emit(c.fileAsset(client, p, info)); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Connector) selected(name string) bool {
	if len(c.include) == 0 {
		return true
	}
	for _, p := range c.include {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (c *Connector) fileAsset(client *sftp.Client, p string, info os.FileInfo) *core.RawAsset {
	a := c.NewAsset(info.Name(), "file", "sftp://"+c.host+"/"+strings.TrimPrefix(p, "/"))
	a.Size = info.Size()
	a.ModifiedAt = info.ModTime().UTC()
	a.Metadata["path"] = p
	a.Metadata["mode"] = info.Mode().String()

	format, compression := base.DetectFormat(info.Name())
	a.Tags = append(base.FormatTags(format, compression), "remote:sftp")
	if base.Sampleable(format) {
		a.Sample = &core.Sample{
			Open: func(context.Context) (io.ReadCloser, error) {
				return client.Open(p)
			},
			Size:        info.Size(),
			Format:      format,
			Compression: compression,
		}
	}
	return a
}

// Close ends the session.
func (c *Connector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}
