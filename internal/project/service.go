package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/auth"
	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
	"github.com/quarryhq/quarry/internal/gateway/mssql"
	"github.com/quarryhq/quarry/internal/gateway/sqlite"
	"github.com/quarryhq/quarry/internal/logger"
	"github.com/quarryhq/quarry/internal/schema"
)

// Outcome tags a LoadResult. Exactly one variant applies per attempt.
type Outcome int

const (
	// OutcomeLoaded: the project is ready; State is fully populated.
	OutcomeLoaded Outcome = iota
	// OutcomeNeedsSchemaDecision: the remote database is reachable but
	// its schema is missing or deviates; the user must decide whether
	// to deploy. State.Gateway stays open pending the decision.
	OutcomeNeedsSchemaDecision
	// OutcomeFailed: the attempt failed; Err carries the classified
	// cause and no gateway is left open.
	OutcomeFailed
)

// LoadResult is the tagged outcome of a create or open attempt.
type LoadResult struct {
	Outcome    Outcome
	State      *State
	Validation *schema.ValidationResult
	Err        error

	// gw carries the connected remote gateway between connectRemote and
	// the caller that folds it into State.
	gw gateway.Gateway
}

func failed(err error) LoadResult {
	return LoadResult{Outcome: OutcomeFailed, Err: err}
}

// Service implements project creation and opening. Its methods block and
// are meant to run on the worker pool, never on the UI loop.
type Service struct {
	ses *Session
}

// NewService binds the service to a session.
func NewService(ses *Session) *Service {
	return &Service{ses: ses}
}

func (s *Service) log() *logger.Logger {
	if s.ses.Log != nil {
		return s.ses.Log
	}
	return logger.Global()
}

// CreateLocal creates a new embedded project at path: baseline schema,
// seeded settings, project data in the same file. On any failure the
// partial file is removed so a retry starts clean.
func (s *Service) CreateLocal(ctx context.Context, path string) (*State, error) {
	gw, st, err := s.createProjectFile(ctx, path, gateway.BackendEmbedded)
	if err != nil {
		return nil, err
	}
	st.Gateway = gw
	s.remember(path, gateway.BackendEmbedded)
	s.log().InfoWith("project created", map[string]any{"path": path, "mode": "embedded"})
	return st, nil
}

// CreateRemote creates a new remote-backed project: a local project file
// holding settings and the sanitized profile, with data on the SQL Server
// target. password is stored in the session credential store for SQL auth
// and ignored otherwise. A reachable server with a missing schema yields
// NeedsSchemaDecision; the local file is kept so the user can deploy and
// continue.
func (s *Service) CreateRemote(ctx context.Context, path string, profile Profile, password string) LoadResult {
	local, st, err := s.createProjectFile(ctx, path, gateway.BackendRemote)
	if err != nil {
		return failed(err)
	}
	if err := SaveProfile(ctx, local, profile); err != nil {
		s.unlink(local, path)
		return failed(err)
	}
	local.Close()

	if profile.AuthMode == gateway.AuthSQL && password != "" {
		if err := s.ses.Creds.Put(profileKey(profile), password); err != nil {
			s.removeFile(path)
			return failed(err)
		}
	}

	res := s.connectRemote(ctx, profile)
	if res.Outcome == OutcomeFailed {
		s.removeFile(path)
		return res
	}
	res.State = st
	st.Profile = &profile
	st.Gateway = res.gw
	s.remember(path, gateway.BackendRemote)
	s.log().InfoWith("project created", map[string]any{"path": path, "mode": "remote"})
	return res
}

// Open opens an existing project file, runs pending settings migrations,
// and connects the data gateway the stored storage mode calls for.
func (s *Service) Open(ctx context.Context, path string) LoadResult {
	if _, err := os.Stat(path); err != nil {
		return failed(dberr.Newf(dberr.KindNotFound, "project file not found: %s", path))
	}

	local := sqlite.New()
	local.SetObserver(logger.GatewayObserver(s.log()))
	if err := local.Init(gateway.Config{Backend: gateway.BackendEmbedded, Path: path}); err != nil {
		return failed(err)
	}
	if err := local.HealthCheck(ctx); err != nil {
		local.Close()
		return failed(err)
	}

	if err := NewMigrator(local, s.log()).Run(ctx); err != nil {
		local.Close()
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return failed(blocked)
		}
		if dberr.IsNotFound(err) {
			// Settings are missing: the file is not a project database.
			return failed(dberr.Wrap(dberr.KindValidation,
				fmt.Sprintf("%s is not a project database", path), err))
		}
		return failed(err)
	}

	st, err := s.readState(ctx, local, path)
	if err != nil {
		local.Close()
		return failed(err)
	}

	if st.StorageMode == gateway.BackendEmbedded {
		st.Gateway = local
		s.remember(path, gateway.BackendEmbedded)
		return LoadResult{Outcome: OutcomeLoaded, State: st}
	}

	profile, err := LoadProfile(ctx, local)
	local.Close()
	if err != nil {
		return failed(err)
	}

	res := s.connectRemote(ctx, profile)
	if res.Outcome == OutcomeFailed {
		return res
	}
	st.Profile = &profile
	st.Gateway = res.gw
	res.State = st
	s.remember(path, gateway.BackendRemote)
	return res
}

// createProjectFile builds the local project file at path and seeds its
// settings for mode. The returned gateway is open; on error it has been
// closed and the file removed.
func (s *Service) createProjectFile(ctx context.Context, path string, mode gateway.Backend) (gateway.Gateway, *State, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, nil, dberr.Newf(dberr.KindConflict, "project file already exists: %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, dberr.Wrap(dberr.KindOperational, "creating project directory", err)
		}
	}

	gw := sqlite.New()
	gw.SetObserver(logger.GatewayObserver(s.log()))
	if err := gw.Init(gateway.Config{Backend: gateway.BackendEmbedded, Path: path}); err != nil {
		s.unlink(gw, path)
		return nil, nil, err
	}

	if err := s.applyBaseline(ctx, gw); err != nil {
		s.unlink(gw, path)
		return nil, nil, err
	}

	name := projectName(path)
	id := uuid.NewString()
	if err := s.seedSettings(ctx, gw, id, name, mode); err != nil {
		s.unlink(gw, path)
		return nil, nil, err
	}

	return gw, &State{
		SettingsPath:  path,
		StorageMode:   mode,
		ProjectID:     id,
		ProjectName:   name,
		SchemaVersion: TargetSchemaVersion,
		OpenedAt:      time.Now().UTC(),
	}, nil
}

// applyBaseline runs the bundled baseline script statement by statement
// inside one transaction.
func (s *Service) applyBaseline(ctx context.Context, gw gateway.Gateway) error {
	raw, err := os.ReadFile(s.ses.Config.Schema.SQLiteScript)
	if err != nil {
		return dberr.Wrap(dberr.KindOperational, "reading baseline schema script", err)
	}
	return gw.Transact(ctx, func(ctx context.Context) error {
		for _, stmt := range schema.SplitStatements(string(raw)) {
			if _, err := gw.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) seedSettings(ctx context.Context, gw gateway.Gateway, id, name string, mode gateway.Backend) error {
	set := NewSettings(gw)
	seed := map[string]string{
		SettingProjectID:     id,
		SettingProjectName:   name,
		SettingStorageMode:   string(mode),
		SettingSchemaVersion: TargetSchemaVersion,
		SettingCreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	return gw.Transact(ctx, func(ctx context.Context) error {
		for key, value := range seed {
			if err := set.Set(ctx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// readState loads the identifying settings of an opened project file.
func (s *Service) readState(ctx context.Context, gw gateway.Gateway, path string) (*State, error) {
	set := NewSettings(gw)
	id, err := set.MustGet(ctx, SettingProjectID)
	if err != nil {
		return nil, err
	}
	name, err := set.MustGet(ctx, SettingProjectName)
	if err != nil {
		return nil, err
	}
	mode, err := set.MustGet(ctx, SettingStorageMode)
	if err != nil {
		return nil, err
	}
	version, err := set.MustGet(ctx, SettingSchemaVersion)
	if err != nil {
		return nil, err
	}

	backend := gateway.Backend(mode)
	if backend != gateway.BackendEmbedded && backend != gateway.BackendRemote {
		return nil, dberr.Newf(dberr.KindValidation, "unknown storage mode %q in project file", mode)
	}
	return &State{
		SettingsPath:  path,
		StorageMode:   backend,
		ProjectID:     id,
		ProjectName:   name,
		SchemaVersion: version,
		OpenedAt:      time.Now().UTC(),
	}, nil
}

// connectRemote opens and checks the remote data gateway for profile.
// Federated modes must have a cached sign-in already; SQL auth pulls the
// password from the session credential store. The returned result carries
// the open gateway in gw for Loaded and NeedsSchemaDecision.
func (s *Service) connectRemote(ctx context.Context, profile Profile) LoadResult {
	cfg := profile.Config()
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = s.ses.Config.Remote.TimeoutSecs
	}

	if cfg.AuthMode.Federated() {
		desc := auth.Descriptor{
			Server:      cfg.Server,
			Database:    cfg.Database,
			AuthMode:    cfg.AuthMode,
			Username:    cfg.Username,
			Authority:   cfg.Authority,
			TimeoutSecs: cfg.TimeoutSecs,
		}
		if !s.ses.Auth.IsAuthenticated(desc) {
			return failed(dberr.Newf(dberr.KindAuth,
				"no cached sign-in for %s/%s; authenticate before opening", cfg.Server, cfg.Database))
		}
	}
	if cfg.AuthMode == gateway.AuthSQL && cfg.Password == "" {
		if pw, err := s.ses.Creds.Get(profileKey(profile)); err == nil {
			cfg.Password = pw
		}
	}

	gw := mssql.New()
	gw.SetObserver(logger.GatewayObserver(s.log()))
	if err := gw.Init(cfg); err != nil {
		return failed(err)
	}
	if err := gw.HealthCheck(ctx); err != nil {
		gw.Close()
		return failed(err)
	}

	validator, err := schema.NewValidator(gw, s.ses.Config.Schema.AzureScript)
	if err != nil {
		gw.Close()
		return failed(err)
	}
	result := validator.Validate(ctx)
	if result.ErrorMessage != "" {
		gw.Close()
		return failed(dberr.New(dberr.KindOperational, result.ErrorMessage))
	}
	if result.HasNoTables || !result.IsValid {
		return LoadResult{Outcome: OutcomeNeedsSchemaDecision, Validation: &result, gw: gw}
	}
	return LoadResult{Outcome: OutcomeLoaded, Validation: &result, gw: gw}
}

// DeployRemote pushes the managed schema onto the connected database.
// Used after the user accepts a NeedsSchemaDecision outcome; the gateway
// stays open either way.
func (s *Service) DeployRemote(ctx context.Context, gw gateway.Gateway) error {
	validator, err := schema.NewValidator(gw, s.ses.Config.Schema.AzureScript)
	if err != nil {
		return err
	}
	return validator.Deploy(ctx)
}

// RememberPassword stores the SQL-auth password for profile's target in
// the session credential store.
func (s *Service) RememberPassword(profile Profile, password string) error {
	return s.ses.Creds.Put(profileKey(profile), password)
}

func profileKey(p Profile) string {
	return fmt.Sprintf("%s/%s/%s", p.Server, p.Database, p.Username)
}

func projectName(path string) string {
	name := filepath.Base(path)
	if ext := filepath.Ext(name); ext != "" {
		name = name[:len(name)-len(ext)]
	}
	return name
}

// unlink closes gw and removes the partial project file.
func (s *Service) unlink(gw gateway.Gateway, path string) {
	gw.Close()
	s.removeFile(path)
}

func (s *Service) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log().Warnf("could not remove partial project file %s: %v", path, err)
	}
}

func (s *Service) remember(path string, backend gateway.Backend) {
	abs := path
	if a, err := filepath.Abs(path); err == nil {
		abs = a
	}
	entry := RecentEntry{
		Path:        abs,
		DisplayName: projectName(path),
		Backend:     backend,
	}
	if err := s.ses.Recent.Add(entry); err != nil {
		s.log().Warnf("could not update recent projects: %v", err)
	}
}
