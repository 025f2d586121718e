// Package auth manages authenticated SQL Server connections for federated
// Azure AD modes. A successful sign-in is cached per connection descriptor
// so later opens reuse it without prompting the user again.
package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry/internal/bridge"
	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
	"github.com/quarryhq/quarry/internal/gateway/mssql"
	"github.com/quarryhq/quarry/internal/logger"
)

const (
	// expiryBuffer is subtracted from an entry's lifetime so a connection
	// is never handed out moments before its token lapses.
	expiryBuffer = 5 * time.Minute

	// cachedValidity is the conservative lifetime assumed for a cached
	// sign-in. Azure AD access tokens usually live longer; assuming less
	// only costs an extra silent refresh.
	cachedValidity = time.Hour
)

// Descriptor identifies one logical connection target for caching purposes.
type Descriptor struct {
	Server      string
	Database    string
	AuthMode    gateway.AuthMode
	Username    string
	Authority   string
	TimeoutSecs int
}

// CacheKey folds the descriptor into the case-insensitive cache identity.
// Two descriptors differing only in letter case share a sign-in.
func (d Descriptor) CacheKey() string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", d.Server, d.Database, d.AuthMode, d.Username))
}

func (d Descriptor) config() gateway.Config {
	return gateway.Config{
		Backend:     gateway.BackendRemote,
		Server:      d.Server,
		Database:    d.Database,
		AuthMode:    d.AuthMode,
		Username:    d.Username,
		Authority:   d.Authority,
		TimeoutSecs: d.TimeoutSecs,
	}
}

type entry struct {
	driver    string
	dsn       string
	expiresAt time.Time
}

// Manager caches authenticated connection strings keyed by Descriptor. All
// methods are safe for concurrent use; interactive sign-in additionally
// requires the UI-loop goroutine because the driver opens a browser and
// must not race the event loop.
type Manager struct {
	loop *bridge.Loop
	log  *logger.Logger

	mu    sync.Mutex
	cache map[string]entry

	// Injection points for tests.
	now   func() time.Time
	probe func(ctx context.Context, driver, dsn string) error
}

// NewManager builds a manager bound to the UI loop. loop may be nil in
// headless contexts, which disables the interactive-mode affinity check.
func NewManager(loop *bridge.Loop, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		loop:  loop,
		log:   log,
		cache: make(map[string]entry),
		now:   time.Now,
		probe: probeConnection,
	}
}

// probeConnection opens and pings the target, driving the actual federated
// sign-in through the azuread driver.
func probeConnection(ctx context.Context, driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

// AuthenticateAndCache performs the sign-in for desc and caches the result.
// Interactive and device-code modes must be called from the UI-loop
// goroutine; violating that is a programming error, not an auth failure.
// On a recognized driver-compatibility failure the sign-in is retried once
// with the legacy driver registration before giving up.
func (m *Manager) AuthenticateAndCache(ctx context.Context, desc Descriptor) error {
	if !desc.AuthMode.Federated() {
		return dberr.Newf(dberr.KindValidation, "auth mode %q does not use cached sign-in", desc.AuthMode)
	}
	if desc.AuthMode.Interactive() && m.loop != nil && !m.loop.OnLoop() {
		return dberr.New(dberr.KindProgramming, "interactive authentication must run on the UI-loop goroutine")
	}

	cfg := desc.config()
	driver, dsn, err := mssql.ConnString(cfg)
	if err != nil {
		return err
	}

	m.log.InfoWith("authenticating", map[string]any{
		"server":    desc.Server,
		"database":  desc.Database,
		"auth_mode": string(desc.AuthMode),
	})

	if err := m.probe(ctx, driver, dsn); err != nil {
		if !isCompatSignature(err) {
			return m.classify(err)
		}
		// One-shot fallback: some environments reject the modern driver
		// path with a known signature but succeed on the legacy one.
		m.log.Warnf("sign-in failed with compatibility signature, retrying with legacy driver: %s", logger.Redact(err.Error()))
		cfg.CompatDriver = true
		fbDriver, fbDSN, fbErr := mssql.ConnString(cfg)
		if fbErr != nil {
			return m.classify(err)
		}
		if fbErr = m.probe(ctx, fbDriver, fbDSN); fbErr != nil {
			return m.classify(err)
		}
		driver, dsn = fbDriver, fbDSN
	}

	m.mu.Lock()
	m.cache[desc.CacheKey()] = entry{
		driver:    driver,
		dsn:       dsn,
		expiresAt: m.now().Add(cachedValidity),
	}
	m.mu.Unlock()
	return nil
}

// ConnectionString returns the cached driver and connection string for desc.
// It never triggers a sign-in: a miss or an expired entry is reported as an
// auth error telling the caller to authenticate first.
func (m *Manager) ConnectionString(desc Descriptor) (driver, dsn string, err error) {
	m.mu.Lock()
	e, ok := m.cache[desc.CacheKey()]
	if ok && m.now().After(e.expiresAt.Add(-expiryBuffer)) {
		delete(m.cache, desc.CacheKey())
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return "", "", dberr.Newf(dberr.KindAuth, "no valid sign-in cached for %s/%s; authenticate first", desc.Server, desc.Database)
	}
	return e.driver, e.dsn, nil
}

// IsAuthenticated reports whether desc has a cached, unexpired sign-in.
func (m *Manager) IsAuthenticated(desc Descriptor) bool {
	_, _, err := m.ConnectionString(desc)
	return err == nil
}

// HandleAuthenticationError evicts the cached entry for desc and converts
// err into an actionable auth error for the UI. Call it when a gateway
// operation fails with an auth-classified error on a cached connection.
func (m *Manager) HandleAuthenticationError(desc Descriptor, err error) error {
	m.mu.Lock()
	delete(m.cache, desc.CacheKey())
	m.mu.Unlock()

	msg := "authentication expired or was revoked; sign in again"
	if err != nil {
		msg = fmt.Sprintf("%s (%s)", msg, logger.Redact(err.Error()))
	}
	return dberr.Wrap(dberr.KindAuth, msg, err)
}

// ClearCache evicts every cached sign-in.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]entry)
	m.mu.Unlock()
}

// classify maps a probe failure into the shared taxonomy, preferring an
// auth classification for anything carrying a federated failure signature.
func (m *Manager) classify(err error) error {
	if isAuthSignature(err) {
		return dberr.Wrap(dberr.KindAuth, "sign-in failed: "+logger.Redact(err.Error()), err)
	}
	if k := dberr.KindOf(err); k != dberr.KindOperational {
		return err
	}
	return dberr.Wrap(dberr.KindOperational, "sign-in failed: "+logger.Redact(err.Error()), err)
}

// isCompatSignature recognizes the failure shape produced when the modern
// driver path cannot complete federated sign-in in this environment.
func isCompatSignature(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "0x534") || strings.Contains(msg, "mssql: login error")
}

// isAuthSignature matches Azure AD failure codes and login rejections.
func isAuthSignature(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "aadsts") ||
		strings.Contains(msg, "login failed") ||
		strings.Contains(msg, "login error") ||
		strings.Contains(msg, "fa004")
}
