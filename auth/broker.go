// Package auth defines the collaborator interface the session state
// machine uses to dispatch LOGIN/AUTHENTICATE credential attempts to
// an external authentication process, plus three concrete
// implementations: a self-contained file-backed broker for tests and
// small deployments, a PostgreSQL-backed broker, and a line-protocol
// client for a separate out-of-process auth service.
//
// Grounded on the teacher's auth.PlainAuthenticator interface
// (auth/authenticator.go), generalized from a single synchronous
// AuthenticatePlain call into the asynchronous submit/continue/abort
// protocol the specification requires for multi-round SASL
// mechanisms.
package auth

import "context"

// Metadata is the connection context passed along with every
// authentication attempt so the auth service can apply policy (e.g.
// reject plaintext credentials from a non-secured peer).
type Metadata struct {
	PeerIP  string
	LocalIP string
	Secured bool
	TLS     bool
}

// OutcomeKind distinguishes the three ways an attempt can conclude.
type OutcomeKind int

const (
	// OutcomeSuccess means the credentials were accepted.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFailure means the credentials were rejected; Reason is
	// safe to relay to the client in a tagged NO.
	OutcomeFailure
	// OutcomeInternalError means the broker itself failed (e.g. lost
	// its connection mid-attempt); the session must not relay
	// Reason to the client.
	OutcomeInternalError
)

// Outcome is the terminal result of an authentication attempt.
type Outcome struct {
	Kind          OutcomeKind
	VirtualUser   string
	SessionKey    string
	HandoffTicket string
	Reason        string
}

// Attempt represents one outstanding authentication exchange. A
// caller receives continuation challenges on Continuation and the
// terminal outcome on Result; at most one value is ever sent on
// Result, after which both channels are closed.
type Attempt struct {
	continuation chan []byte
	result       chan Outcome

	continueFn func([]byte) error
	abortFn    func()
}

// NewAttempt constructs an Attempt around the supplied continue/abort
// callbacks; implementations of Broker use this to hand back a value
// satisfying the external interface without exposing their internal
// bookkeeping.
func NewAttempt(continueFn func([]byte) error, abortFn func()) (*Attempt, chan<- []byte, chan<- Outcome) {

	a := &Attempt{
		continuation: make(chan []byte, 1),
		result:       make(chan Outcome, 1),
		continueFn:   continueFn,
		abortFn:      abortFn,
	}

	return a, a.continuation, a.result
}

// Continuation yields a server challenge whenever the auth service
// needs another round of client input.
func (a *Attempt) Continuation() <-chan []byte {
	return a.continuation
}

// Result yields exactly one Outcome when the attempt concludes.
func (a *Attempt) Result() <-chan Outcome {
	return a.result
}

// Continue supplies the client's response to an outstanding
// continuation challenge.
func (a *Attempt) Continue(resp []byte) error {
	return a.continueFn(resp)
}

// Abort cancels the attempt. Safe to call more than once and safe to
// call after the attempt has already concluded.
func (a *Attempt) Abort() {
	a.abortFn()
}

// Broker is the collaborator interface the session state machine
// uses for every LOGIN/AUTHENTICATE command.
type Broker interface {
	// IsConnected reports whether the broker currently has a usable
	// channel to the auth service. The session checks this before
	// accepting any command that would need it.
	IsConnected() bool

	// Submit begins a new authentication attempt for SASL mechanism
	// mech, with an optional client-supplied initial response.
	Submit(ctx context.Context, mech string, initial []byte, meta Metadata) (*Attempt, error)

	// Mechanisms lists the SASL mechanism names to advertise in the
	// CAPABILITY response, conditioned on whether the session is
	// secured (PLAIN-family mechanisms are only offered once
	// secured, matching LOGINDISABLED policy).
	Mechanisms(secured bool) []string
}
