// Package project implements the project lifecycle: creating and opening
// local and remote projects, seeding and reading per-project settings,
// schema migration gating, and the recent-projects list.
package project

import (
	"sync"
	"time"

	"github.com/quarryhq/quarry/internal/auth"
	"github.com/quarryhq/quarry/internal/bridge"
	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/credsafe"
	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
	"github.com/quarryhq/quarry/internal/logger"
)

// State describes the currently open project.
type State struct {
	SettingsPath  string
	StorageMode   gateway.Backend
	ProjectID     string
	ProjectName   string
	SchemaVersion string
	OpenedAt      time.Time

	// Profile is set for remote projects only and never carries
	// credentials.
	Profile *Profile

	// Gateway fronts the project data: the local file for embedded
	// projects, the remote server otherwise.
	Gateway gateway.Gateway
}

// Session is the explicit application context threaded through the UI
// layer. There is no package-level singleton; everything a project
// operation needs hangs off the session it was given.
type Session struct {
	Config *config.Config
	Log    *logger.Logger
	Loop   *bridge.Loop
	Runner *bridge.Runner
	Auth   *auth.Manager
	Creds  *credsafe.Store
	Recent *RecentStore
	Busy   BusyIndicator

	mu      sync.Mutex
	current *State
}

// NewSession wires the standard dependency set for a desktop run. The
// caller owns the loop's Run/Stop lifecycle.
func NewSession(cfg *config.Config, log *logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Global()
	}
	creds, err := credsafe.New()
	if err != nil {
		return nil, err
	}
	loop := bridge.NewLoop(log)
	return &Session{
		Config: cfg,
		Log:    log,
		Loop:   loop,
		Runner: bridge.NewRunner(loop, log, cfg.Workers.Count),
		Auth:   auth.NewManager(loop, log),
		Creds:  creds,
		Recent: NewRecentStore(cfg.Projects.RecentFile, cfg.Projects.RecentMax),
		Busy:   NoopBusy{},
	}, nil
}

// Open installs st as the current project. Opening over an already open
// project is a programming error; the UI must close first, explicitly.
func (s *Session) Open(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return dberr.New(dberr.KindProgramming, "a project is already open")
	}
	if st == nil || st.Gateway == nil {
		return dberr.New(dberr.KindProgramming, "cannot open a project without a gateway")
	}
	s.current = st
	return nil
}

// Current returns the open project state, or nil.
func (s *Session) Current() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close tears down the current project: the gateway is closed and all
// session credentials are dropped. Closing with nothing open is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	st := s.current
	s.current = nil
	s.mu.Unlock()

	if st == nil {
		return
	}
	st.Gateway.Close()
	s.Creds.Clear()
	s.Auth.ClearCache()
}

// BusyIndicator lets long project operations signal progress to the UI.
// Implementations must tolerate Stop without a matching Start.
type BusyIndicator interface {
	Start(message string)
	Stop()
}

// NoopBusy is the headless indicator used in tests and CLI contexts.
type NoopBusy struct{}

func (NoopBusy) Start(string) {}
func (NoopBusy) Stop()        {}
