// Package monitor keeps the catalog current while the engine runs. It
// combines filesystem notifications for realtime sources, debounced into
// incremental scans, with a fixed-interval full reconciliation scan.
//
// Each source moves through Idle, Watching, EventPending or IntervalDue,
// Scanning and back to Watching. At most one scan per source is in flight;
// triggers that arrive while a source is scanning collapse into a single
// follow-up scan.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/internal/discovery"
	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/metrics"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// State is the scheduler state of one source.
type State string

const (
	StateIdle         State = "idle"
	StateWatching     State = "watching"
	StateEventPending State = "event_pending"
	StateIntervalDue  State = "interval_due"
	StateScanning     State = "scanning"
)

// maxWaitWindows bounds how long a steady stream of changes can postpone an
// incremental scan, in debounce windows since the first pending change.
const maxWaitWindows = 10

// Trigger kinds, used as metric labels.
const (
	kindEvent    = "event"
	kindInterval = "interval"
	kindManual   = "manual"
)

// Scanner runs the scans the monitor schedules.
type Scanner interface {
	RunFullScan(ctx context.Context) (*models.ScanRun, error)
	RunScan(ctx context.Context, sourceID string, opts ...discovery.ScanOption) (*models.ScanRun, error)
}

// Sources lists the sources to monitor.
type Sources interface {
	Enabled() []string
	Get(sourceID string) (core.Connector, error)
}

type sourceState struct {
	state        State
	timer        *time.Timer
	pendingSince time.Time
	gen          uint64
	scanning     bool
	followUp     bool
}

// Monitor schedules scans. The zero value is not usable; use New.
type Monitor struct {
	scanner Scanner
	sources Sources
	cfg     config.MonitoringConfig
	logger  *zap.Logger

	mu          sync.Mutex
	running     bool
	ctx         context.Context
	stop        chan struct{}
	watcher     *fsnotify.Watcher
	dirs        map[string]string
	states      map[string]*sourceState
	fullDue     bool
	fullRunning bool
	// inFlight counts scans started by any session, including one whose
	// Stop timed out
	inFlight int

	loops sync.WaitGroup
	scans sync.WaitGroup
}

// New creates a stopped monitor.
func New(scanner Scanner, sources Sources, cfg config.MonitoringConfig) *Monitor {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = config.DefaultWatchInterval
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = config.DefaultDebounceWindow
	}
	return &Monitor{
		scanner: scanner,
		sources: sources,
		cfg:     cfg,
		logger:  logger.Get().With(zap.String("component", "monitor")),
	}
}

// Start begins watching realtime sources and arms the reconciliation
// interval. Scans started by the monitor keep the values of ctx but are not
// cancelled with it; cancelling ctx stops scheduling new work. Stop must be
// called to release the watcher.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New(errors.ErrorTypeValidation, "monitoring is already running")
	}
	if m.inFlight > 0 {
		return errors.New(errors.ErrorTypeValidation, "scans of the previous monitoring session are still running").
			WithDetail("in_flight", m.inFlight)
	}

	m.ctx = context.WithoutCancel(ctx)
	m.stop = make(chan struct{})
	m.dirs = make(map[string]string)
	m.states = make(map[string]*sourceState)
	m.fullDue, m.fullRunning = false, false

	ids := m.sources.Enabled()
	for _, id := range ids {
		m.states[id] = &sourceState{state: StateWatching}
	}

	if m.cfg.RealTimeEnabled {
		if err := m.startWatcher(ids); err != nil {
			return err
		}
	}
	m.running = true

	if m.watcher != nil {
		m.loops.Add(1)
		go m.eventLoop(ctx, m.watcher)
	}
	m.loops.Add(1)
	go m.intervalLoop(ctx)

	m.logger.Info("monitoring started",
		zap.Int("sources", len(ids)),
		zap.Int("watched_dirs", len(m.dirs)),
		zap.Duration("watch_interval", m.cfg.WatchInterval),
		zap.Duration("debounce_window", m.cfg.DebounceWindow))
	return nil
}

// startWatcher watches the trees of every realtime source. A source whose
// paths cannot be watched is still covered by the interval scan.
func (m *Monitor) startWatcher(ids []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create filesystem watcher")
	}
	for _, id := range ids {
		conn, err := m.sources.Get(id)
		if err != nil {
			continue
		}
		watchable, ok := conn.(core.Watchable)
		if !ok || !conn.Capabilities().Has(core.CapabilityRealtime) {
			continue
		}
		for _, root := range watchable.WatchPaths() {
			if err := m.watchTree(w, id, root); err != nil {
				m.logger.Warn("failed to watch source path",
					zap.String("source_id", id), zap.String("path", root), zap.Error(err))
			}
		}
	}
	if len(m.dirs) == 0 {
		_ = w.Close()
		return nil
	}
	m.watcher = w
	return nil
}

// watchTree adds root and every directory below it. Callers hold m.mu.
func (m *Monitor) watchTree(w *fsnotify.Watcher, sourceID, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(p); err != nil {
			if p == root {
				return err
			}
			m.logger.Debug("failed to watch directory", zap.String("path", p), zap.Error(err))
			return nil
		}
		m.dirs[filepath.Clean(p)] = sourceID
		return nil
	})
}

func (m *Monitor) eventLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer m.loops.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			m.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

func (m *Monitor) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	name := filepath.Clean(ev.Name)
	sourceID, ok := m.dirs[filepath.Dir(name)]
	if !ok {
		if sourceID, ok = m.dirs[name]; !ok {
			return
		}
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := m.watchTree(w, sourceID, name); err != nil {
				m.logger.Debug("failed to watch new directory", zap.String("path", name), zap.Error(err))
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(m.dirs, name)
	}
	m.triggerLocked(sourceID, kindEvent)
}

func (m *Monitor) intervalLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.intervalDue()
		}
	}
}

// Notify reports a change in sourceID, as a filesystem event would. It is
// debounced like one.
func (m *Monitor) Notify(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return errors.New(errors.ErrorTypeValidation, "monitoring is not running")
	}
	if _, err := m.sources.Get(sourceID); err != nil {
		return err
	}
	m.triggerLocked(sourceID, kindManual)
	return nil
}

// triggerLocked debounces a change trigger. Callers hold m.mu.
func (m *Monitor) triggerLocked(sourceID, kind string) {
	st := m.stateLocked(sourceID)
	switch {
	case m.fullDue && !m.fullRunning:
		// the pending reconciliation will observe the change
		metrics.MonitorTriggers.WithLabelValues(kind, "collapsed").Inc()
	case st.scanning || m.fullRunning:
		st.followUp = true
		metrics.MonitorTriggers.WithLabelValues(kind, "collapsed").Inc()
	default:
		now := time.Now()
		outcome := "started"
		if st.timer != nil {
			st.timer.Stop()
			outcome = "collapsed"
		} else {
			st.pendingSince = now
		}
		delay := m.cfg.DebounceWindow
		deadline := st.pendingSince.Add(maxWaitWindows * m.cfg.DebounceWindow)
		if remaining := deadline.Sub(now); remaining < delay {
			delay = remaining
		}
		if delay < 0 {
			delay = 0
		}
		st.gen++
		gen := st.gen
		st.state = StateEventPending
		st.timer = time.AfterFunc(delay, func() { m.fire(sourceID, gen) })
		metrics.MonitorTriggers.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Monitor) stateLocked(sourceID string) *sourceState {
	st, ok := m.states[sourceID]
	if !ok {
		st = &sourceState{state: StateWatching}
		m.states[sourceID] = st
	}
	return st
}

// fire runs when the debounce window of sourceID elapses.
func (m *Monitor) fire(sourceID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sourceID]
	if !m.running || !ok || st.gen != gen || st.timer == nil {
		return
	}
	st.timer = nil
	switch {
	case m.fullRunning:
		st.followUp = true
	case m.fullDue:
		st.state = StateIntervalDue
	case st.scanning:
		st.followUp = true
	default:
		m.startScanLocked(sourceID, st)
	}
}

func (m *Monitor) startScanLocked(sourceID string, st *sourceState) {
	st.scanning = true
	st.state = StateScanning
	m.inFlight++
	m.scans.Add(1)
	go m.runIncremental(sourceID)
}

func (m *Monitor) runIncremental(sourceID string) {
	defer m.scans.Done()
	log := m.logger.With(zap.String("source_id", sourceID))

	run, err := m.scanner.RunScan(m.ctx, sourceID, discovery.WithTrigger(models.TriggerIncremental))
	switch {
	case err != nil:
		log.Warn("incremental scan rejected", zap.Error(err))
	case run.Status != models.RunCompleted:
		log.Warn("incremental scan finished with errors", zap.String("run_id", run.RunID), zap.String("status", string(run.Status)))
	default:
		log.Debug("incremental scan finished", zap.String("run_id", run.RunID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	st := m.stateLocked(sourceID)
	st.scanning = false
	st.state = StateWatching
	if !m.running {
		return
	}
	if st.followUp && !m.fullDue {
		st.followUp = false
		m.startScanLocked(sourceID, st)
		return
	}
	st.followUp = false
	if m.fullDue {
		st.state = StateIntervalDue
		if !m.anyScanningLocked() {
			m.startFullLocked()
		}
	}
}

// intervalDue schedules a full reconciliation scan. It starts once no
// incremental scan is in flight.
func (m *Monitor) intervalDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.fullDue || m.fullRunning {
		metrics.MonitorTriggers.WithLabelValues(kindInterval, "collapsed").Inc()
		return
	}
	metrics.MonitorTriggers.WithLabelValues(kindInterval, "started").Inc()
	m.fullDue = true
	for _, id := range m.sources.Enabled() {
		st := m.stateLocked(id)
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
			st.gen++
		}
		if !st.scanning {
			st.state = StateIntervalDue
		}
	}
	if !m.anyScanningLocked() {
		m.startFullLocked()
	}
}

func (m *Monitor) anyScanningLocked() bool {
	for _, st := range m.states {
		if st.scanning {
			return true
		}
	}
	return false
}

func (m *Monitor) startFullLocked() {
	m.fullDue = false
	m.fullRunning = true
	for _, id := range m.sources.Enabled() {
		m.stateLocked(id).state = StateScanning
	}
	m.inFlight++
	m.scans.Add(1)
	go m.runFull()
}

func (m *Monitor) runFull() {
	defer m.scans.Done()

	run, err := m.scanner.RunFullScan(m.ctx)
	if err != nil {
		m.logger.Error("reconciliation scan failed", zap.Error(err))
	} else {
		m.logger.Info("reconciliation scan finished",
			zap.String("run_id", run.RunID), zap.String("status", string(run.Status)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	m.fullRunning = false
	for id, st := range m.states {
		if st.scanning {
			continue
		}
		st.state = StateWatching
		if m.running && st.followUp {
			st.followUp = false
			m.startScanLocked(id, st)
		}
	}
}

// Stop cancels pending debounce timers and the watcher, then waits for
// in-flight scans to finish. It returns ctx's error if ctx ends first; the
// scans keep running in that case and Start is refused until they finish.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stop)
	for _, st := range m.states {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.followUp = false
	}
	m.fullDue = false
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			m.logger.Warn("failed to close filesystem watcher", zap.Error(err))
		}
	}
	m.loops.Wait()

	done := make(chan struct{})
	go func() {
		m.scans.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("monitoring stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "timed out waiting for in-flight scans")
	}
}

// IsRunning reports whether monitoring is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// State returns the scheduler state of sourceID. Every source is idle while
// monitoring is stopped.
func (m *Monitor) State(sourceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return StateIdle
	}
	if st, ok := m.states[sourceID]; ok {
		return st.state
	}
	return StateIdle
}
