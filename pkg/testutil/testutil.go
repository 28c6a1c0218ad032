// Package testutil provides testing utilities for Atlas, including an
// in-memory connector with scripted assets, failures and delays.
package testutil

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FixedTime is the modification time given to assets built by Asset.
var FixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Asset builds a file-like raw asset for sourceID.
func Asset(sourceID, location string, size int64) *core.RawAsset {
	return &core.RawAsset{
		Name:       path.Base(location),
		Type:       "file",
		SourceID:   sourceID,
		Location:   location,
		Size:       size,
		ModifiedAt: FixedTime,
		Metadata:   map[string]string{},
	}
}

// TableAsset builds a table asset carrying a schema and sampled rows.
func TableAsset(sourceID, name string, schema []models.Field, rows []map[string]any) *core.RawAsset {
	return &core.RawAsset{
		Name:       name,
		Type:       "table",
		SourceID:   sourceID,
		Location:   "db://" + name,
		ModifiedAt: FixedTime,
		Schema:     schema,
		Metadata:   map[string]string{},
		Sample:     &core.Sample{Rows: rows},
	}
}

// StaticConnector is an in-memory connector. Each Discover call emits a copy
// of the configured assets, optionally after a delay, then returns the
// configured terminal error.
type StaticConnector struct {
	mu          sync.Mutex
	assets      []*core.RawAsset
	discoverErr error
	streamErr   error
	delay       time.Duration
	assetDelay  time.Duration
	watchPaths  []string
	gate        chan struct{}
	caps        core.CapabilitySet

	calls       int32
	inFlight    int32
	maxInFlight int32
}

// NewStaticConnector creates a connector that emits assets.
func NewStaticConnector(assets ...*core.RawAsset) *StaticConnector {
	return &StaticConnector{
		assets: assets,
		caps:   core.NewCapabilitySet(core.CapabilitySize),
	}
}

// Name implements core.Connector.
func (c *StaticConnector) Name() string { return "static" }

// Capabilities implements core.Connector.
func (c *StaticConnector) Capabilities() core.CapabilitySet { return c.caps }

// SetAssets replaces the assets emitted by subsequent scans.
func (c *StaticConnector) SetAssets(assets ...*core.RawAsset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets = assets
}

// SetDiscoverError makes Discover fail before streaming.
func (c *StaticConnector) SetDiscoverError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverErr = err
}

// SetStreamError makes the stream end with err after all assets.
func (c *StaticConnector) SetStreamError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamErr = err
}

// SetDelay delays the first emission. The delay honors cancellation.
func (c *StaticConnector) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// SetAssetDelay delays every emission.
func (c *StaticConnector) SetAssetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assetDelay = d
}

// Gate makes scans block before emitting until the returned func is called.
func (c *StaticConnector) Gate() (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gate := make(chan struct{})
	c.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetWatchPaths makes the connector watchable.
func (c *StaticConnector) SetWatchPaths(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchPaths = paths
	c.caps = core.NewCapabilitySet(core.CapabilitySize, core.CapabilityRealtime)
}

// WatchPaths implements core.Watchable.
func (c *StaticConnector) WatchPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchPaths
}

// Calls returns how many times Discover was called.
func (c *StaticConnector) Calls() int {
	return int(atomic.LoadInt32(&c.calls))
}

// InFlight returns the number of scans currently running.
func (c *StaticConnector) InFlight() int {
	return int(atomic.LoadInt32(&c.inFlight))
}

// MaxInFlight returns the highest number of concurrent scans observed.
func (c *StaticConnector) MaxInFlight() int {
	return int(atomic.LoadInt32(&c.maxInFlight))
}

// Discover implements core.Connector.
func (c *StaticConnector) Discover(ctx context.Context) (*core.AssetStream, error) {
	atomic.AddInt32(&c.calls, 1)

	c.mu.Lock()
	assets := make([]*core.RawAsset, len(c.assets))
	for i, a := range c.assets {
		cp := *a
		assets[i] = &cp
	}
	discoverErr, streamErr := c.discoverErr, c.streamErr
	delay, assetDelay, gate := c.delay, c.assetDelay, c.gate
	c.mu.Unlock()

	if discoverErr != nil {
		return nil, discoverErr
	}

	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, n) {
			break
		}
	}

	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		defer atomic.AddInt32(&c.inFlight, -1)

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		for _, a := range assets {
			if err := sleep(ctx, assetDelay); err != nil {
				return err
			}
			if err := emit(a); err != nil {
				return err
			}
		}
		return streamErr
	}), nil
}

// TestConnection implements core.Connector.
func (c *StaticConnector) TestConnection(ctx context.Context) core.ConnectionStatus {
	c.mu.Lock()
	err := c.discoverErr
	c.mu.Unlock()
	status := core.ConnectionStatus{OK: err == nil, CheckedAt: time.Now(), Err: err, Message: "connected"}
	if err != nil {
		status.Message = err.Error()
	}
	return status
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
