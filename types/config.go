// Package types holds the configuration structs shared between the
// config loader and the rest of the login front-end.
package types

import "time"

// Config holds all process-wide, read-only knobs for the login
// front-end, parsed from the main TOML config file. Durations are
// stored as whole seconds because the TOML decoder in use has no
// native duration type.
type Config struct {
	IP   string
	Port string

	Greeting             string
	GreetingCapability   bool
	VerboseProctitle     bool
	ProcessPerConnection bool

	MaxLoggingUsers      int
	DisablePlaintextAuth bool
	SSLInitialized       bool

	IdleTimeoutSeconds        int
	AuthRequestTimeoutSeconds int
	MaxBadCommands            int
	DestroyOldestCount        int
	MaxInputLineBytes         int
	MaxIOBufferBytes          int

	CapabilityString string

	TLS TLSConfig

	AuthService AuthServiceConfig
	Backend     BackendConfig

	AuthFile AuthFileConfig
	Postgres PostgresConfig
}

// TLSConfig locates the certificate and key the public-facing
// listener uses, plus an optional second pair used when dialing the
// auth service and backend master.
type TLSConfig struct {
	CertLoc string
	KeyLoc  string

	InternalCertLoc string
	InternalKeyLoc  string
	RootCertLoc     string
}

// AuthServiceConfig locates the out-of-process auth service the
// auth broker dials.
type AuthServiceConfig struct {
	IP   string
	Port string
}

// BackendConfig locates the backend master the handoff client
// transfers authenticated connections to.
type BackendConfig struct {
	IP   string
	Port string
}

// AuthFileConfig configures the file-backed authenticator used
// for tests and small deployments that run without a separate
// auth-service process.
type AuthFileConfig struct {
	File      string
	Separator string
}

// PostgresConfig locates the PostgreSQL-backed accounts table used
// as an alternative to AuthFile or a net-backed auth service.
type PostgresConfig struct {
	IP       string
	Port     string
	Database string
	User     string
	Password string
	SSLMode  string
}

// IdleTimeout returns the configured idle timeout as a Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// AuthRequestTimeout returns the configured auth-request timeout
// as a Duration.
func (c *Config) AuthRequestTimeout() time.Duration {
	return time.Duration(c.AuthRequestTimeoutSeconds) * time.Second
}
