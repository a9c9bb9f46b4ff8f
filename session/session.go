// Package session implements the per-connection protocol state
// machine: parsing and dispatching the pre-authentication IMAP
// command subset, driving the auth broker through a credential
// attempt, performing the STARTTLS transport swap, and handing a
// successfully authenticated connection off to the backend master.
//
// Grounded on the teacher's distributor.service (distributor/
// service.go): the same goroutine-per-connection accept-loop shape,
// the same switch-based command dispatch, and the same
// fmt.Sprintf-built wire strings, generalized from the teacher's
// fixed "AUTH=PLAIN"-only, always-TLS connection into one that
// tracks STARTTLS, secured-vs-plaintext policy, and an asynchronous,
// possibly multi-round auth broker exchange.
package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"

	"github.com/go-pluto/imaplogind/auth"
	"github.com/go-pluto/imaplogind/handoff"
	"github.com/go-pluto/imaplogind/imapparser"
	"github.com/go-pluto/imaplogind/metrics"
	"github.com/go-pluto/imaplogind/transport"
	"github.com/go-pluto/imaplogind/types"
)

// State is one of the protocol states of spec.md §4.5.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateHandoff
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateHandoff:
		return "HANDOFF"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Deps are the collaborators a Session needs beyond its own
// connection: the auth broker, the backend handoff client, the TLS
// configuration STARTTLS upgrades into, a place to deregister
// itself, and a logger.
type Deps struct {
	AuthBroker    auth.Broker
	HandoffClient handoff.Client
	TLSConfig     *tls.Config
	Remove        func(id string)
	Logger        log.Logger
	Metrics       *metrics.Metrics
}

// Session is one accepted connection's worth of protocol state. It
// implements registry.Session.
type Session struct {
	id        string
	createdAt time.Time
	tag       string // the command tag currently in flight, if any

	mu        sync.Mutex
	lastInput time.Time

	transport *transport.Transport
	parser    *imapparser.Parser

	cfg  *types.Config
	deps Deps

	state           State
	badCommandCount int
	tls             bool
	secured         bool
	virtualUser     string
	authMechanism   string

	inputBlocked        atomic.Bool
	destroyed           atomic.Bool
	removedFromRegistry atomic.Bool
	pendingCommand      *pendingCommand

	attempt        *auth.Attempt
	authStartedAt  time.Time
	authContinueCh chan []byte
	authResultCh   chan auth.Outcome

	readCh chan readResult
	readWG sync.WaitGroup

	runCtx   context.Context
	peerAddr string
}

// readResult is the outcome of one background Transport.Fill call.
type readResult struct {
	n   int
	err error
}

// pendingCommand is stashed when the auth broker is disconnected and
// replayed verbatim once it reconnects.
type pendingCommand struct {
	tag  string
	name string
	args []imapparser.Arg
}

// New constructs a Session over conn. tlsAlready indicates the
// connection was admitted through a TLS listener (rather than
// upgraded later via STARTTLS).
func New(conn net.Conn, cfg *types.Config, deps Deps, tlsAlready bool) *Session {

	peerAddr := conn.RemoteAddr().String()

	s := &Session{
		id:             uuid.NewString(),
		createdAt:      time.Now(),
		lastInput:      time.Now(),
		transport:      transport.NewWithLimits(conn, cfg.MaxIOBufferBytes, cfg.MaxIOBufferBytes),
		parser:         imapparser.NewWithMaxLine(cfg.MaxInputLineBytes),
		cfg:            cfg,
		deps:           deps,
		state:          StateIdle,
		tls:            tlsAlready,
		peerAddr:       peerAddr,
		authContinueCh: make(chan []byte, 1),
		authResultCh:   make(chan auth.Outcome, 1),
		readCh:         make(chan readResult, 1),
	}

	s.secured = s.tls || isLoopback(peerAddr)

	return s
}

func isLoopback(addr string) bool {

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ID implements registry.Session.
func (s *Session) ID() string { return s.id }

// CreatedAt implements registry.Session.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastInput implements registry.Session.
func (s *Session) LastInput() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInput
}

func (s *Session) touchLastInput() {
	s.mu.Lock()
	s.lastInput = time.Now()
	s.mu.Unlock()
}

// InputBlocked implements registry.Session.
func (s *Session) InputBlocked() bool {
	return s.inputBlocked.Load()
}

func (s *Session) logger() log.Logger {
	return log.With(s.deps.Logger, "session", s.id, "peer", s.peerAddr)
}

// Greet emits the initial server greeting per spec.md §4.7.
func (s *Session) Greet() error {

	greeting := "* OK "

	if s.cfg.GreetingCapability {
		greeting += fmt.Sprintf("[CAPABILITY %s] ", s.capabilityString())
	}

	greeting += s.cfg.Greeting

	return s.transport.WriteString(greeting + "\r\n")
}

// capabilityString builds the capability list per spec.md §4.5: a
// fixed base, STARTTLS if TLS is available and not already active,
// LOGINDISABLED if plaintext is disabled and the session is not
// secured, and the broker's advertised SASL mechanisms.
func (s *Session) capabilityString() string {

	parts := []string{s.cfg.CapabilityString}

	if s.cfg.SSLInitialized && !s.tls {
		parts = append(parts, "STARTTLS")
	}

	if s.cfg.DisablePlaintextAuth && !s.secured {
		parts = append(parts, "LOGINDISABLED")
	}

	for _, mech := range s.deps.AuthBroker.Mechanisms(s.secured) {
		parts = append(parts, "AUTH="+mech)
	}

	return strings.Join(parts, " ")
}

// Run drives the session's input loop until the connection is
// destroyed or ctx is cancelled. It is the goroutine-per-connection
// realization of the cooperative event loop described in
// SPEC_FULL.md §5: every suspension point (read, auth broker event,
// resume notification) is a branch of this select.
func (s *Session) Run(ctx context.Context) {

	s.runCtx = ctx

	if err := s.Greet(); err != nil {
		s.Destroy("Disconnected")
		return
	}

	buf := make([]byte, s.transport.BufferSize())
	s.issueRead(ctx, buf)

	for {
		select {

		case <-ctx.Done():
			s.Destroy("")
			return

		case res := <-s.readCh:

			// A handoff may have taken exclusive ownership of the
			// conn's read side while this result was in flight; the
			// backend relay owns it now, not this loop.
			if s.state == StateHandoff || s.isDestroyed() {
				return
			}

			if res.err == transport.ErrInputBufferFull {
				s.fatalBye("Input buffer full, aborting")
				return
			}

			if res.n > 0 {
				s.touchLastInput()
				s.onDataAvailable()
			}

			if s.isDestroyed() || s.state == StateHandoff {
				return
			}

			if res.err != nil {
				s.Destroy("Disconnected")
				return
			}

			s.issueRead(ctx, buf)

		case challenge := <-s.authContinueCh:
			s.onAuthContinuation(challenge)
			if s.isDestroyed() {
				return
			}

		case outcome := <-s.authResultCh:
			s.onAuthResult(ctx, outcome)
			if s.isDestroyed() || s.state == StateHandoff {
				return
			}
		}
	}
}

// issueRead arms a single background read of the connection, tracked
// by readWG so stopReadsForHandoff can wait for it to actually exit
// before handing the conn's read side to the backend relay.
func (s *Session) issueRead(ctx context.Context, buf []byte) {

	s.readWG.Add(1)

	go func() {
		defer s.readWG.Done()

		n, err := s.transport.Fill(buf)

		select {
		case s.readCh <- readResult{n, err}:
		case <-ctx.Done():
		}
	}()
}

// stopReadsForHandoff aborts any outstanding background read and
// blocks until it has exited, so Run's read loop and the backend
// handoff relay never call Fill/Read on the same conn concurrently.
// It returns whatever bytes the parser still had buffered past the
// last command it consumed: those bytes already left the wire, so
// the relay's io.Copy will never see them, and performHandoff must
// forward them to the backend itself.
func (s *Session) stopReadsForHandoff() []byte {

	_ = s.transport.Conn().SetReadDeadline(time.Unix(0, 1))
	s.readWG.Wait()
	_ = s.transport.Conn().SetReadDeadline(time.Time{})

	return s.parser.Drain()
}

// onDataAvailable feeds newly arrived bytes to the parser and
// processes as many complete commands (or, while AUTHENTICATING, raw
// continuation lines) as are buffered. Output produced while
// handling this one readiness event is corked as a single batch.
func (s *Session) onDataAvailable() {

	pending := s.transport.Pending()
	s.parser.Feed(pending)
	s.transport.Consume(len(pending))

	s.transport.Cork()
	defer s.transport.Uncork()

	for {

		if s.isDestroyed() {
			return
		}

		if s.state == StateAuthenticating {
			if !s.processContinuationLine() {
				return
			}
			continue
		}

		if !s.processOneCommand() {
			return
		}

		if s.state != StateIdle {
			// A credential attempt is now outstanding: stop
			// draining this batch and let Run's select pick up
			// whatever comes next.
			return
		}
	}
}

// processContinuationLine reads one raw SASL continuation line and
// forwards it to the outstanding attempt. Returns false when more
// data is needed.
func (s *Session) processContinuationLine() bool {

	line, state := s.parser.ReadLine()

	switch state {

	case imapparser.StateNeedMoreData:
		return false

	case imapparser.StateError:
		s.handleParseError()
		return false
	}

	s.parser.Reset()

	if line == "*" {
		if s.attempt != nil {
			s.attempt.Abort()
		}
		s.writeTagged(s.tag, "BAD Authentication cancelled.")
		s.state = StateIdle
		return true
	}

	resp, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.writeTagged(s.tag, "BAD Invalid continuation response.")
		s.state = StateIdle
		return true
	}

	if s.attempt != nil {
		if err := s.attempt.Continue(resp); err != nil {
			level.Error(s.logger()).Log("msg", "failed to forward continuation response", "err", err)
		}
	}

	return true
}

// processOneCommand parses and dispatches a single (tag, name, args)
// command. Returns false when more data is needed to complete it.
func (s *Session) processOneCommand() bool {

	tag, state := s.parser.ReadWord()
	if state == imapparser.StateNeedMoreData {
		return false
	}
	if state == imapparser.StateError {
		s.handleParseError()
		return false
	}

	if tag == "*" {
		s.parser.DiscardLine()
		s.parser.Reset()
		s.writeTagged("*", "BAD Error in IMAP command received by server.")
		s.registerBadCommand()
		return true
	}

	name, state := s.parser.ReadWord()
	if state == imapparser.StateNeedMoreData {
		return false
	}
	if state == imapparser.StateError {
		s.handleParseError()
		return false
	}

	args, state := s.parser.ReadArgs(8)
	if state == imapparser.StateNeedMoreData {
		return false
	}
	if state == imapparser.StateError {
		perr := s.parser.Error()
		s.parser.DiscardLine()
		s.parser.Reset()
		s.writeTagged(tag, "BAD "+perr.Msg)
		s.registerBadCommand()
		return true
	}

	s.parser.Reset()
	s.dispatch(tag, strings.ToUpper(name), args)

	return true
}

func (s *Session) handleParseError() {

	perr := s.parser.Error()
	if perr == nil {
		return
	}

	if perr.Fatal {
		s.fatalBye(perr.Msg)
		return
	}

	s.parser.DiscardLine()
	s.parser.Reset()
	s.writeTagged("*", "BAD "+perr.Msg)
	s.registerBadCommand()
}

func (s *Session) registerBadCommand() {

	s.badCommandCount++

	if s.badCommandCount >= maxBadCommands(s.cfg) {
		s.writeUntagged("BYE Too many invalid IMAP commands.")

		if s.deps.Metrics != nil {
			s.deps.Metrics.BadCommandKicks.Add(1)
		}

		s.Destroy("Too many bad commands")
	}
}

func maxBadCommands(cfg *types.Config) int {
	if cfg.MaxBadCommands <= 0 {
		return 10
	}
	return cfg.MaxBadCommands
}

func (s *Session) writeTagged(tag, msg string) {
	if err := s.transport.WriteString(tag + " " + msg + "\r\n"); err != nil {
		s.Destroy("Transmit buffer full")
	}
}

func (s *Session) writeUntagged(msg string) {
	if err := s.transport.WriteString("* " + msg + "\r\n"); err != nil {
		s.Destroy("Transmit buffer full")
	}
}

// fatalBye sends an untagged BYE with msg and destroys the session,
// per the fatal-parse-error and TLS-init-failure rows of
// SPEC_FULL.md §7.
func (s *Session) fatalBye(msg string) {
	s.writeUntagged("BYE " + msg)
	s.Destroy("Fatal: " + msg)
}

// knownDestroyMessages maps registry/idle-sweep-originated destroy
// reasons to the client-visible line they must emit. Reasons not in
// this map either already had their wire message written at the
// call site, or (like admission overflow) have none.
var knownDestroyMessages = map[string]string{
	"Disconnected: Inactivity": "* BYE Disconnected for inactivity.\r\n",
}

// Destroy implements registry.Session. It is idempotent: only the
// first caller performs teardown.
func (s *Session) Destroy(reason string) {

	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}

	s.state = StateDestroyed

	if reason != "" {
		level.Info(s.logger()).Log("msg", "destroying session", "reason", reason)
	}

	if s.attempt != nil {
		s.attempt.Abort()
	}

	if msg, ok := knownDestroyMessages[reason]; ok {
		_, _ = s.transport.Conn().Write([]byte(msg))
	} else {
		_ = s.transport.Flush()
	}

	s.removeFromRegistry()

	_ = s.transport.Close()
}

func (s *Session) isDestroyed() bool {
	return s.destroyed.Load()
}

// removeFromRegistry deregisters the session exactly once. Called
// both the moment a session enters StateHandoff — so the registry's
// idle sweep stops watching a connection whose bytes now flow
// through the backend relay instead of onDataAvailable — and again,
// harmlessly, from Destroy for sessions that never reach handoff.
func (s *Session) removeFromRegistry() {

	if !s.removedFromRegistry.CompareAndSwap(false, true) {
		return
	}

	if s.deps.Remove != nil {
		s.deps.Remove(s.id)
	}
}

// Resume implements registry.Session: replays a command that was
// stashed while the auth broker was unreachable.
func (s *Session) Resume() {

	s.mu.Lock()
	cmd := s.pendingCommand
	s.pendingCommand = nil
	s.mu.Unlock()

	if cmd == nil {
		return
	}

	s.inputBlocked.Store(false)

	s.transport.Cork()
	s.dispatch(cmd.tag, cmd.name, cmd.args)
	_ = s.transport.Uncork()
}

// onAuthResult handles the terminal outcome of an authentication
// attempt.
func (s *Session) onAuthResult(ctx context.Context, outcome auth.Outcome) {

	s.attempt = nil
	tag := s.tag

	if s.deps.Metrics != nil && !s.authStartedAt.IsZero() {
		s.deps.Metrics.AuthLatency.With("outcome", outcomeLabel(outcome.Kind)).Observe(time.Since(s.authStartedAt).Seconds())
	}

	switch outcome.Kind {

	case auth.OutcomeSuccess:

		s.virtualUser = outcome.VirtualUser
		s.writeTagged(tag, "OK Logged in.")
		s.state = StateHandoff

		if s.deps.Metrics != nil {
			s.deps.Metrics.Logins.Add(1)
		}

		// Deregister and hand off exclusive ownership of the conn's
		// read side before spawning the relay: the registry's idle
		// sweep and Run's own background reader must both stop
		// touching this session the instant it stops being one.
		s.removeFromRegistry()
		preread := s.stopReadsForHandoff()

		go s.performHandoff(ctx, outcome, preread)

	case auth.OutcomeFailure:

		level.Info(s.logger()).Log("method", "onAuthResult", "tag", tag, "command", s.authMechanism, "msg", "authentication failed", "reason", outcome.Reason)
		s.writeTagged(tag, "NO "+outcome.Reason)
		s.state = StateIdle

	case auth.OutcomeInternalError:

		level.Error(s.logger()).Log("method", "onAuthResult", "tag", tag, "command", s.authMechanism, "msg", "internal error completing authentication")
		s.fatalBye("Internal login failure. Refer to server log...")
	}
}

func outcomeLabel(kind auth.OutcomeKind) string {
	switch kind {
	case auth.OutcomeSuccess:
		return "success"
	case auth.OutcomeFailure:
		return "failure"
	default:
		return "internal_error"
	}
}

func (s *Session) onAuthContinuation(challenge []byte) {
	s.writeRaw("+ " + base64.StdEncoding.EncodeToString(challenge) + "\r\n")
}

func (s *Session) writeRaw(line string) {
	if err := s.transport.WriteString(line); err != nil {
		s.Destroy("Transmit buffer full")
	}
}

func (s *Session) performHandoff(ctx context.Context, outcome auth.Outcome, preread []byte) {

	identity := handoff.Identity{
		SessionID:     s.id,
		VirtualUser:   outcome.VirtualUser,
		AuthMechanism: s.authMechanism,
		SessionKey:    outcome.SessionKey,
		HandoffTicket: outcome.HandoffTicket,
		PeerAddr:      s.peerAddr,
	}

	if err := s.deps.HandoffClient.Handoff(ctx, s.transport.Conn(), preread, identity); err != nil {
		level.Error(s.logger()).Log("method", "performHandoff", "msg", "handoff to backend master failed", "err", err)
	}

	s.Destroy("")
}

