package auth

import (
	"context"
	"crypto/sha512"
	"database/sql"
	"encoding/base64"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBroker is a self-contained Broker backed by a PostgreSQL
// "users" table, usable without a separate auth-service process. It
// only ever supports the PLAIN mechanism and never needs a
// continuation round.
//
// Grounded on the teacher's PostgresAuthenticator (auth/postgres.go,
// originally): same SHA-512-then-base64 password hashing scheme and
// the same "SELECT ... WHERE username = ..." lookup, rewritten behind
// database/sql with a parameterized query (the teacher's version
// built the query with fmt.Sprintf, which is vulnerable to SQL
// injection through the username) and the github.com/lib/pq driver
// in place of the teacher's unmaintained gopkg.in/jackc/pgx.v2, to
// match the driver this pack's other Postgres-backed example repos
// use. The teacher's worker-routing lookup (GetWorkerForUser) plays
// no role here, for the same reason FileBroker drops it: this
// front-end hands off to one backend master rather than sharding
// across worker nodes.
type PostgresBroker struct {
	db *sql.DB
}

// PostgresConfig holds the connection parameters for a PostgresBroker.
type PostgresConfig struct {
	IP       string
	Port     string
	Database string
	User     string
	Password string
	SSLMode  string
}

// NewPostgresBroker opens a connection pool to the configured
// database and verifies it is reachable before returning.
func NewPostgresBroker(ctx context.Context, cfg PostgresConfig) (*PostgresBroker, error) {

	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		cfg.IP, cfg.Port, cfg.Database, cfg.User, cfg.Password, sslmode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: could not open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: postgres database not reachable: %w", err)
	}

	return &PostgresBroker{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresBroker) Close() error {
	return p.db.Close()
}

// IsConnected pings the database. A transient outage is surfaced to
// the session layer the same way a NetBroker's lost connection is,
// rather than failing every LOGIN/AUTHENTICATE with an opaque error.
func (p *PostgresBroker) IsConnected() bool {
	return p.db.PingContext(context.Background()) == nil
}

// Mechanisms advertises PLAIN once secured, matching the policy that
// gates LOGINDISABLED.
func (p *PostgresBroker) Mechanisms(secured bool) []string {

	if !secured {
		return nil
	}

	return []string{"PLAIN"}
}

// Submit checks initial as a "username\x00password" pair or a full
// SASL PLAIN "authzid\x00authcid\x00password" blob synchronously,
// resolving the returned Attempt's Result immediately; PostgresBroker
// never issues a continuation challenge.
func (p *PostgresBroker) Submit(ctx context.Context, _ string, initial []byte, _ Metadata) (*Attempt, error) {

	username, password, err := splitPlainCredentials(initial)

	attempt, _, resultCh := NewAttempt(
		func([]byte) error { return fmt.Errorf("auth: PostgresBroker does not use continuations") },
		func() {},
	)

	if err != nil {
		resultCh <- Outcome{Kind: OutcomeFailure, Reason: err.Error()}
		close(resultCh)
		return attempt, nil
	}

	outcome := p.authenticate(ctx, username, password)
	resultCh <- outcome
	close(resultCh)

	return attempt, nil
}

func (p *PostgresBroker) authenticate(ctx context.Context, username, password string) Outcome {

	hash := sha512.Sum512([]byte(password))
	encoded := base64.StdEncoding.EncodeToString(hash[:])

	var count int
	err := p.db.QueryRowContext(
		ctx,
		"SELECT count(*) FROM users WHERE username = $1 AND password = $2",
		username, "{SHA512}"+encoded,
	).Scan(&count)

	if err != nil {
		return Outcome{Kind: OutcomeInternalError, Reason: err.Error()}
	}

	if count == 0 {
		return Outcome{Kind: OutcomeFailure, Reason: "Name and / or password wrong"}
	}

	return Outcome{Kind: OutcomeSuccess, VirtualUser: username}
}
