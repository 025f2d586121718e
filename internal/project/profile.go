package project

import (
	"context"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

// Profile is the sanitized remote connection descriptor stored in the
// local project file. It never carries a password or token; SQL-auth
// passwords live only in the session credential store.
type Profile struct {
	Server      string
	Database    string
	AuthMode    gateway.AuthMode
	Username    string
	Authority   string
	TimeoutSecs int
}

// Config expands the profile into a remote gateway config. Credentials
// are left empty for the caller to fill from the credential store.
func (p Profile) Config() gateway.Config {
	return gateway.Config{
		Backend:     gateway.BackendRemote,
		Server:      p.Server,
		Database:    p.Database,
		AuthMode:    p.AuthMode,
		Username:    p.Username,
		Authority:   p.Authority,
		TimeoutSecs: p.TimeoutSecs,
	}
}

// SaveProfile upserts the single connection profile row in the local
// project file. The row id is fixed at 1: a project points at exactly one
// remote database.
func SaveProfile(ctx context.Context, gw gateway.Gateway, p Profile) error {
	if p.Server == "" || p.Database == "" {
		return dberr.New(dberr.KindValidation, "connection profile requires server and database")
	}
	_, err := gw.Exec(ctx, `
		INSERT INTO [mssql_connection] ([id], [server], [database], [auth_mode], [username], [authority], [timeout_secs])
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT([id]) DO UPDATE SET
			[server] = excluded.[server],
			[database] = excluded.[database],
			[auth_mode] = excluded.[auth_mode],
			[username] = excluded.[username],
			[authority] = excluded.[authority],
			[timeout_secs] = excluded.[timeout_secs]`,
		p.Server, p.Database, string(p.AuthMode), p.Username, p.Authority, p.TimeoutSecs)
	return err
}

// LoadProfile reads the stored connection profile. A remote project
// without one is corrupt, reported as NotFound.
func LoadProfile(ctx context.Context, gw gateway.Gateway) (Profile, error) {
	row, err := gw.QueryOne(ctx,
		"SELECT [server], [database], [auth_mode], [username], [authority], [timeout_secs] FROM [mssql_connection] WHERE [id] = 1")
	if err != nil {
		return Profile{}, err
	}
	if row == nil {
		return Profile{}, dberr.New(dberr.KindNotFound, "project has no stored connection profile")
	}
	p := Profile{
		Server:    asStr(row[0]),
		Database:  asStr(row[1]),
		AuthMode:  gateway.AuthMode(asStr(row[2])),
		Username:  asStr(row[3]),
		Authority: asStr(row[4]),
	}
	if n, ok := row[5].(int64); ok {
		p.TimeoutSecs = int(n)
	}
	return p, nil
}

func asStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
