/*
Package crypto defines the TLS configurations used by the login
front-end: a strict public-facing configuration for the client
listener and the TLS upgrader, and an internal, mutually-authenticated
configuration for connections to the auth service and backend master.
The companion command cmd/imaplogind-genpki sets up a small PKI for
exercising the internal configuration in a self-contained deployment.
*/
package crypto
