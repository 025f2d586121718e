// Package gateway defines the unified data-access contract for Quarry.
//
// All layers above this package talk only to the Gateway interface: they
// never import the sqlite or mssql packages directly, and never see raw
// driver errors (see internal/dberr).
package gateway

import "context"

// Backend identifies the storage engine behind a Gateway.
type Backend string

const (
	BackendEmbedded Backend = "embedded" // single-file SQLite database
	BackendRemote   Backend = "remote"   // networked SQL Server database
)

// Gateway is the central contract for all database operations.
//
// Adapters hold mutable transaction state with no internal locking: callers
// must ensure at most one in-flight call (or transaction scope) per instance
// at a time, typically by routing all work through the background bridge.
type Gateway interface {
	// Init establishes whatever connection state the backend needs:
	// a long-lived connection for the embedded backend, validated
	// configuration only for the remote backend.
	Init(cfg Config) error

	// Close releases any held connection. Idempotent; never fails.
	Close()

	// Backend reports which storage engine this gateway fronts.
	Backend() Backend

	// Exec runs a statement and returns the affected row count.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// QueryAll runs a SELECT and returns all rows in order.
	QueryAll(ctx context.Context, query string, args ...any) ([][]any, error)

	// QueryOne runs a SELECT and returns the first row, or nil if none.
	QueryOne(ctx context.Context, query string, args ...any) ([]any, error)

	// Transact runs fn inside a transactional boundary: commit on nil
	// return, rollback and propagate the original error otherwise.
	// Nesting is supported via savepoints; the remote backend opens its
	// dedicated connection at the outermost level and closes it exactly
	// once when the nesting depth returns to zero.
	Transact(ctx context.Context, fn func(ctx context.Context) error) error

	// HealthCheck returns a classified error if the backend is
	// unreachable or misconfigured. It is bounded by a timeout shorter
	// than the normal operation timeout.
	HealthCheck(ctx context.Context) error

	// SetObserver installs an optional hook invoked with a structured
	// Event after every operation. Observer failures never propagate.
	SetObserver(fn Observer)
}

// Config is the immutable descriptor selecting a backend. It is created once
// per project open/create operation and never mutated afterwards.
type Config struct {
	Backend Backend

	// Embedded backend
	Path string // database file path

	// Remote backend
	Server        string
	Database      string
	AuthMode      AuthMode
	Username      string
	Authority     string // Azure AD authority / tenant hint
	TimeoutSecs   int    // per-operation connection timeout
	CompatDriver  bool   // use the legacy driver registration (fallback)
	Password      string // SQL auth only; supplied from the credential cache
	AccessToken   string // federated modes; supplied by the token manager
}

// AuthMode selects how the remote backend authenticates.
type AuthMode string

const (
	AuthWindows             AuthMode = "windows"               // trusted / integrated
	AuthSQL                 AuthMode = "sql"                   // username + password
	AuthAzureADInteractive  AuthMode = "azure_ad_interactive"  // browser prompt
	AuthAzureADPassword     AuthMode = "azure_ad_password"     // federated password
	AuthAzureADIntegrated   AuthMode = "azure_ad_integrated"   // federated SSO
	AuthAzureADDeviceCode   AuthMode = "azure_ad_device_code"  // device-code flow
)

// Federated reports whether m is one of the Azure AD sign-in flows.
func (m AuthMode) Federated() bool {
	switch m {
	case AuthAzureADInteractive, AuthAzureADPassword, AuthAzureADIntegrated, AuthAzureADDeviceCode:
		return true
	}
	return false
}

// Interactive reports whether m requires a user-facing sign-in prompt.
func (m AuthMode) Interactive() bool {
	return m == AuthAzureADInteractive || m == AuthAzureADDeviceCode
}
