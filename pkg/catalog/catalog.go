// Package catalog is the persistent store of cataloged assets, their
// append-only history and scan run records.
//
// The store is a plain relational layout (assets, asset_history, scan_runs)
// reached through database/sql, so it runs embedded on SQLite or against an
// external PostgreSQL server. Writes to one logical asset are serialized: a
// per-identity lock orders writers inside the process and every write runs in
// its own transaction.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/models"
)

// Catalog is the asset catalog. It is safe for concurrent use.
type Catalog struct {
	db      *sql.DB
	dialect dialect
	cache   *ttlcache.Cache[string, *models.CatalogedAsset]
	locks   *keyedMutex
	now     func() time.Time
	logger  *zap.Logger

	// cacheGen advances on every invalidation; a Get only fills the cache
	// when no write landed between its read and the fill
	cacheMu  sync.Mutex
	cacheGen uint64
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock replaces the clock used for first/last seen and history times.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Open connects to the configured engine and creates the tables if needed.
func Open(ctx context.Context, cfg config.CatalogConfig, opts ...Option) (*Catalog, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d.name == driverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open catalog database")
	}

	if d.name == driverSQLite {
		// one connection keeps the embedded engine free of SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to catalog database").
			WithDetail("driver", cfg.Driver)
	}

	c := &Catalog{
		db:      db,
		dialect: d,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Get().With(zap.String("component", "catalog"), zap.String("driver", d.name)),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.CacheTTL > 0 {
		c.cache = ttlcache.New[string, *models.CatalogedAsset](
			ttlcache.WithTTL[string, *models.CatalogedAsset](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *models.CatalogedAsset](),
		)
		go c.cache.Start()
	}

	if err := c.migrate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Info("catalog opened")
	return c, nil
}

// Close stops the cache and closes the database.
func (c *Catalog) Close() error {
	if c.cache != nil {
		c.cache.Stop()
	}
	return c.db.Close()
}

// Ping checks the database connection.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Catalog) invalidate(assetID string) {
	if c.cache == nil {
		return
	}
	c.cacheMu.Lock()
	c.cacheGen++
	c.cache.Delete(assetID)
	c.cacheMu.Unlock()
}

func (c *Catalog) generation() uint64 {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.cacheGen
}

// fill caches a read taken at generation gen, unless a write has
// invalidated anything since.
func (c *Catalog) fill(assetID string, gen uint64, a *models.CatalogedAsset) bool {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheGen != gen {
		return false
	}
	c.cache.Set(assetID, a.Clone(), ttlcache.DefaultTTL)
	return true
}

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// dialect captures the few differences between the supported engines.
type dialect struct {
	name   string
	driver string
	// lock is appended to row reads that precede a write
	lock string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return dialect{name: driverSQLite, driver: "sqlite"}, nil
	case "postgres", "postgresql":
		return dialect{name: driverPostgres, driver: "postgres", lock: " FOR UPDATE"}, nil
	default:
		return dialect{}, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unsupported catalog driver %q", driver))
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (d dialect) rebind(query string) string {
	if d.name != driverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = config.DefaultCatalogDSN
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func identityKey(sourceID, location string) string {
	return sourceID + "\x00" + location
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
