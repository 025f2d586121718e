package mssql

import (
	"fmt"
	"net/url"

	"github.com/microsoft/go-mssqldb/azuread"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

// Federated authentication directives understood by the azuread driver.
const (
	fedauthInteractive = "ActiveDirectoryInteractive"
	fedauthPassword    = "ActiveDirectoryPassword"
	fedauthIntegrated  = "ActiveDirectoryIntegrated"
	fedauthDeviceCode  = "ActiveDirectoryDeviceCode"
)

// ConnString validates cfg and returns the driver registration plus the
// connection string for it. The token manager uses this to probe and cache
// authenticated connections outside the adapter.
func ConnString(cfg gateway.Config) (driver, dsn string, err error) {
	dsn, err = buildDSN(cfg, 0)
	if err != nil {
		return "", "", err
	}
	return driverName(cfg), dsn, nil
}

// driverName selects the sql.Open driver registration for a config.
// Federated modes always use the azuread driver; the compat flag falls back
// to the legacy go-mssqldb registration for plain connections.
func driverName(cfg gateway.Config) string {
	if cfg.AuthMode.Federated() {
		return azuread.DriverName
	}
	if cfg.CompatDriver {
		return "mssql"
	}
	return "sqlserver"
}

// validateConfig enforces the auth-mode field matrix before any connection
// string is produced, so an unsupported combination can never reach the
// driver looking connectable.
func validateConfig(cfg gateway.Config) error {
	if cfg.Backend != gateway.BackendRemote {
		return dberr.Newf(dberr.KindValidation, "remote adapter requires backend %q, got %q", gateway.BackendRemote, cfg.Backend)
	}
	if cfg.Server == "" || cfg.Database == "" {
		return dberr.New(dberr.KindValidation, "remote adapter requires server and database")
	}

	switch cfg.AuthMode {
	case gateway.AuthWindows:
		if cfg.Username != "" || cfg.Password != "" {
			return dberr.New(dberr.KindValidation, "integrated authentication does not accept a username or password")
		}
	case gateway.AuthSQL:
		if cfg.Username == "" {
			return dberr.New(dberr.KindValidation, "SQL authentication requires a username")
		}
	case gateway.AuthAzureADPassword:
		if cfg.Username == "" || cfg.Password == "" {
			return dberr.New(dberr.KindValidation, "federated password authentication requires a username and password")
		}
	case gateway.AuthAzureADIntegrated:
		if cfg.Password != "" {
			return dberr.New(dberr.KindValidation, "federated integrated authentication does not accept a password")
		}
	case gateway.AuthAzureADInteractive, gateway.AuthAzureADDeviceCode:
		if cfg.Password != "" {
			return dberr.New(dberr.KindValidation, "interactive authentication does not accept a stored password")
		}
	default:
		return dberr.Newf(dberr.KindValidation, "unsupported auth mode %q", cfg.AuthMode)
	}

	if cfg.Authority != "" && !cfg.AuthMode.Federated() {
		return dberr.New(dberr.KindValidation, "authority is only meaningful for federated auth modes")
	}
	return nil
}

// buildDSN assembles the sqlserver:// connection string for a validated
// config. timeoutSecs overrides the configured timeout when positive, which
// health probes use to force a shorter bound.
func buildDSN(cfg gateway.Config, timeoutSecs int) (string, error) {
	if err := validateConfig(cfg); err != nil {
		return "", err
	}

	if timeoutSecs <= 0 {
		timeoutSecs = cfg.TimeoutSecs
	}
	if timeoutSecs <= 0 {
		timeoutSecs = 30
	}

	query := url.Values{}
	query.Set("database", cfg.Database)
	query.Set("encrypt", "true")
	query.Set("connection timeout", fmt.Sprintf("%d", timeoutSecs))

	// Federated sign-in needs the relaxed trust setting so the browser
	// round trip can complete against Azure front ends.
	if cfg.AuthMode.Federated() {
		query.Set("TrustServerCertificate", "true")
	} else {
		query.Set("TrustServerCertificate", "false")
	}

	var userInfo *url.Userinfo
	switch cfg.AuthMode {
	case gateway.AuthWindows:
		// No credentials: the driver uses the process identity.
	case gateway.AuthSQL:
		userInfo = url.UserPassword(cfg.Username, cfg.Password)
	case gateway.AuthAzureADInteractive:
		query.Set("fedauth", fedauthInteractive)
		if cfg.Username != "" {
			query.Set("user id", cfg.Username)
		}
	case gateway.AuthAzureADPassword:
		query.Set("fedauth", fedauthPassword)
		query.Set("user id", cfg.Username)
		query.Set("password", cfg.Password)
	case gateway.AuthAzureADIntegrated:
		query.Set("fedauth", fedauthIntegrated)
	case gateway.AuthAzureADDeviceCode:
		query.Set("fedauth", fedauthDeviceCode)
		if cfg.Username != "" {
			query.Set("user id", cfg.Username)
		}
	}

	if cfg.AuthMode.Federated() && cfg.Authority != "" {
		query.Set("tenant id", cfg.Authority)
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     userInfo,
		Host:     cfg.Server,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}
