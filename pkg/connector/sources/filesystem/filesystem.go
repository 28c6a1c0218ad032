// Package filesystem discovers files under a local directory or a mounted
// network share. It is registered as "filesystem" and under the "nfs" and
// "smb" aliases, which tag every asset as living on a network share.
package filesystem

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

var networkFSTypes = map[string]bool{
	"nfs":        true,
	"nfs4":       true,
	"cifs":       true,
	"smb":        true,
	"smbfs":      true,
	"smb2":       true,
	"9p":         true,
	"fuse.sshfs": true,
}

// Connector walks a directory tree.
type Connector struct {
	*base.BaseConnector

	root    string
	include []string
	exclude []string
	hidden  bool
	// maxDepth limits recursion below root; zero means unlimited
	maxDepth int
	// share is set for the nfs/smb aliases
	share string
}

// New creates a local filesystem connector.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	return build(newConnector("filesystem", "", cfg))
}

// NewNFS creates a connector for an NFS mount.
func NewNFS(cfg *config.SourceConfig) (core.Connector, error) {
	return build(newConnector("nfs", "nfs", cfg))
}

// NewSMB creates a connector for an SMB/CIFS mount.
func NewSMB(cfg *config.SourceConfig) (core.Connector, error) {
	return build(newConnector("smb", "smb", cfg))
}

func build(c *Connector, err error) (core.Connector, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newConnector(name, share string, cfg *config.SourceConfig) (*Connector, error) {
	root, err := cfg.RequiredSetting("root")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid filesystem source")
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid root path")
	}
	hidden, err := cfg.BoolSetting("include_hidden", false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid filesystem source")
	}
	depth, err := cfg.IntSetting("max_depth", 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid filesystem source")
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector(name, cfg,
			core.NewCapabilitySet(core.CapabilityRealtime, core.CapabilitySampling, core.CapabilitySize)),
		root:     filepath.Clean(root),
		include:  cfg.ListSetting("include"),
		exclude:  cfg.ListSetting("exclude"),
		hidden:   hidden,
		maxDepth: depth,
		share:    share,
	}
	for _, p := range append(append([]string{}, c.include...), c.exclude...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid glob pattern").WithDetail("pattern", p)
		}
	}
	return c, nil
}

// WatchPaths implements core.Watchable.
func (c *Connector) WatchPaths() []string {
	return []string{c.root}
}

// Root returns the absolute directory the connector walks.
func (c *Connector) Root() string {
	return c.root
}

// TestConnection checks that root is a readable directory and reports the
// filesystem it lives on.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	details := map[string]string{"root": c.root}

	err := c.checkRoot()
	if err == nil {
		if fsType, mount := c.mountInfo(ctx); fsType != "" {
			details["fs_type"] = fsType
			details["mountpoint"] = mount
		}
		if usage, uerr := disk.UsageWithContext(ctx, c.root); uerr == nil {
			details["total_bytes"] = strconv.FormatUint(usage.Total, 10)
			details["free_bytes"] = strconv.FormatUint(usage.Free, 10)
		}
	}
	return c.Status(start, err, details)
}

func (c *Connector) checkRoot() error {
	info, err := os.Stat(c.root)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "root is not accessible").WithDetail("root", c.root)
	}
	if !info.IsDir() {
		return errors.New(errors.ErrorTypeConnection, "root is not a directory").WithDetail("root", c.root)
	}
	f, err := os.Open(c.root)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "root is not readable").WithDetail("root", c.root)
	}
	return f.Close()
}

// mountInfo returns the filesystem type and mountpoint holding root. The
// longest matching mountpoint wins.
func (c *Connector) mountInfo(ctx context.Context) (fsType, mountpoint string) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		c.Logger().Debug("failed to list partitions", zap.Error(err))
		return "", ""
	}
	for _, p := range parts {
		mp := filepath.Clean(p.Mountpoint)
		if !within(c.root, mp) || len(mp) <= len(mountpoint) {
			continue
		}
		fsType, mountpoint = strings.ToLower(p.Fstype), mp
	}
	return fsType, mountpoint
}

func within(p, dir string) bool {
	if dir == string(filepath.Separator) {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+string(filepath.Separator))
}

// Discover walks root and emits one asset per regular file.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	if err := c.checkRoot(); err != nil {
		return nil, err
	}

	var shareTags []string
	fsType, _ := c.mountInfo(ctx)
	if c.share != "" || networkFSTypes[fsType] {
		shareTags = append(shareTags, "network-share")
	}
	if c.share != "" {
		shareTags = append(shareTags, "share:"+c.share)
	}

	return base.NewAssetStream(ctx, 16, func(ctx context.Context, emit base.EmitFunc) error {
		skipped := 0
		err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if p == c.root {
					return err
				}
				skipped++
				c.Logger().Warn("skipping unreadable path", zap.String("path", p), zap.Error(err))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			rel, _ := filepath.Rel(c.root, p)
			rel = filepath.ToSlash(rel)
			if rel == "." {
				return nil
			}
			if !c.hidden && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if c.maxDepth > 0 && strings.Count(rel, "/")+1 >= c.maxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !c.selected(rel) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				// removed between listing and stat
				return nil
			}
			return emit(c.fileAsset(p, rel, info, fsType, shareTags))
		})
		if err != nil {
			return base.ClassifyError(err, "failed to walk "+c.root)
		}
		if skipped > 0 {
			c.Logger().Info("walk finished with skipped paths", zap.Int("skipped", skipped))
		}
		return nil
	}), nil
}

// selected applies include then exclude patterns to the slash-separated
// relative path and to the base name.
func (c *Connector) selected(rel string) bool {
	name := path.Base(rel)
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			if ok, _ := path.Match(p, name); ok {
				return true
			}
		}
		return false
	}
	if len(c.include) > 0 && !match(c.include) {
		return false
	}
	return !match(c.exclude)
}

func (c *Connector) fileAsset(abs, rel string, info fs.FileInfo, fsType string, shareTags []string) *core.RawAsset {
	a := c.NewAsset(info.Name(), "file", "/"+rel)
	a.Size = info.Size()
	a.ModifiedAt = info.ModTime().UTC()
	a.Metadata["path"] = abs
	a.Metadata["mode"] = info.Mode().String()
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(rel)), "."); ext != "" {
		a.Metadata["extension"] = ext
	}
	if fsType != "" {
		a.Metadata["fs_type"] = fsType
	}

	format, compression := base.DetectFormat(info.Name())
	a.Tags = append(base.FormatTags(format, compression), shareTags...)

	if base.Sampleable(format) {
		a.Sample = &core.Sample{
			Open: func(context.Context) (io.ReadCloser, error) {
				return os.Open(abs)
			},
			Size:        info.Size(),
			Format:      format,
			Compression: compression,
		}
	}
	return a
}
