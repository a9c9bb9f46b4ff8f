package session

import (
	"time"

	"github.com/go-kit/kit/log/level"

	"github.com/go-pluto/imaplogind/auth"
	"github.com/go-pluto/imaplogind/imapparser"
	"github.com/go-pluto/imaplogind/tlsupgrade"
	"github.com/go-pluto/imaplogind/transport"
)

// dispatch routes one parsed (tag, command, args) triple to its
// handler, following the command table of spec.md §4.5. Grounded on
// the teacher's distributor.service.handleConnection switch, widened
// from its fixed always-authenticated flow to the full
// pre-authentication subset.
func (s *Session) dispatch(tag, name string, args []imapparser.Arg) {

	if s.deps.Metrics != nil {
		s.deps.Metrics.Commands.With("command", name).Add(1)
	}

	level.Debug(s.logger()).Log("method", "dispatch", "tag", tag, "command", name)

	switch name {

	case "CAPABILITY":
		s.doCapability(tag, args)

	case "NOOP":
		s.doNoop(tag, args)

	case "LOGOUT":
		s.doLogout(tag, args)

	case "STARTTLS":
		s.doStartTLS(tag, args)

	case "LOGIN":
		s.doLogin(tag, args)

	case "AUTHENTICATE":
		s.doAuthenticate(tag, args)

	default:
		s.writeTagged(tag, "BAD Error in IMAP command received by server.")
		s.registerBadCommand()
	}
}

func (s *Session) doCapability(tag string, args []imapparser.Arg) {

	if len(args) != 0 {
		s.writeTagged(tag, "BAD Error in IMAP command received by server.")
		s.registerBadCommand()
		return
	}

	s.writeUntagged("CAPABILITY " + s.capabilityString())
	s.writeTagged(tag, "OK Capability completed.")
}

func (s *Session) doNoop(tag string, args []imapparser.Arg) {

	if len(args) != 0 {
		s.writeTagged(tag, "BAD Error in IMAP command received by server.")
		s.registerBadCommand()
		return
	}

	s.writeTagged(tag, "OK NOOP completed.")
}

func (s *Session) doLogout(tag string, args []imapparser.Arg) {

	if len(args) != 0 {
		s.writeTagged(tag, "BAD Error in IMAP command received by server.")
		s.registerBadCommand()
		return
	}

	s.writeUntagged("BYE Logging out")
	s.writeTagged(tag, "OK Logout completed.")

	if s.deps.Metrics != nil {
		s.deps.Metrics.Logouts.Add(1)
	}

	s.Destroy("Logout")
}

// doStartTLS performs steps 1-2 of the six-step procedure of
// spec.md §4.3 itself (ack, then a synchronous flush that stands in
// for the reactor's asynchronous flush-wait, since Go's blocking
// net.Conn.Write already guarantees the OK left the socket before
// this call returns) and delegates steps 3-4 (the handshake itself)
// to tlsupgrade.Upgrade. Steps 5-6 (swap transport/parser, re-arm)
// happen here too, since they need this session's own transport and
// parser instances.
func (s *Session) doStartTLS(tag string, args []imapparser.Arg) {

	if len(args) != 0 {
		s.writeTagged(tag, "BAD Error in IMAP command received by server.")
		s.registerBadCommand()
		return
	}

	if s.tls {
		s.writeTagged(tag, "BAD TLS is already active.")
		return
	}

	if !s.cfg.SSLInitialized {
		s.writeTagged(tag, "BAD TLS support isn't enabled.")
		return
	}

	if err := s.transport.WriteString(tag + " OK Begin TLS negotiation now.\r\n"); err != nil {
		s.Destroy("Transmit buffer full")
		return
	}

	if err := s.transport.Uncork(); err != nil {
		s.Destroy("Transmit buffer full")
		return
	}

	tlsConn, err := tlsupgrade.Upgrade(s.transport.Conn(), s.deps.TLSConfig)
	if err != nil {
		level.Error(s.logger()).Log("method", "doStartTLS", "tag", tag, "command", "STARTTLS", "msg", "TLS handshake failed", "err", err)
		s.fatalBye("TLS initialization failed.")
		return
	}

	// Any bytes still buffered in the old parser are intentionally
	// discarded: a client pipelining cleartext commands behind
	// STARTTLS gets them silently dropped, per spec.md §4.3.
	s.transport = transport.NewWithLimits(tlsConn, s.cfg.MaxIOBufferBytes, s.cfg.MaxIOBufferBytes)
	s.parser = imapparser.NewWithMaxLine(s.cfg.MaxInputLineBytes)
	s.tls = true
	s.secured = true
}

func (s *Session) doLogin(tag string, args []imapparser.Arg) {

	if !s.checkBrokerConnected(tag, "LOGIN", args) {
		return
	}

	if len(args) != 2 {
		s.writeTagged(tag, "BAD Invalid arguments to LOGIN.")
		s.registerBadCommand()
		return
	}

	if s.cfg.DisablePlaintextAuth && !s.secured {
		s.writeTagged(tag, "NO Plaintext authentication disabled.")
		return
	}

	username, password := args[0].Value, args[1].Value

	initial := []byte(username + "\x00" + password)

	s.submitAttempt(tag, "PLAIN", initial)
}

func (s *Session) doAuthenticate(tag string, args []imapparser.Arg) {

	if !s.checkBrokerConnected(tag, "AUTHENTICATE", args) {
		return
	}

	if len(args) != 1 {
		s.writeTagged(tag, "BAD Invalid arguments to AUTHENTICATE.")
		s.registerBadCommand()
		return
	}

	mechanism := args[0].Value

	allowed := false
	for _, m := range s.deps.AuthBroker.Mechanisms(s.secured) {
		if m == mechanism {
			allowed = true
			break
		}
	}

	if !allowed {
		s.writeTagged(tag, "NO Unsupported authentication mechanism.")
		return
	}

	s.submitAttempt(tag, mechanism, nil)
}

// checkBrokerConnected implements the connection-liveness rule of
// SPEC_FULL.md §4.6: LOGIN/AUTHENTICATE are the only commands that
// need the auth broker, so only they are deferred while it is
// unreachable. The command is stashed and replayed verbatim from
// Resume() once the broker reconnects.
func (s *Session) checkBrokerConnected(tag, name string, args []imapparser.Arg) bool {

	if s.deps.AuthBroker.IsConnected() {
		return true
	}

	s.mu.Lock()
	s.pendingCommand = &pendingCommand{tag: tag, name: name, args: args}
	s.mu.Unlock()

	s.inputBlocked.Store(true)
	s.writeUntagged("OK Waiting for authentication process to respond..")

	return false
}

func (s *Session) submitAttempt(tag, mechanism string, initial []byte) {

	meta := auth.Metadata{
		PeerIP:  s.peerAddr,
		Secured: s.secured,
		TLS:     s.tls,
	}

	attempt, err := s.deps.AuthBroker.Submit(s.runCtx, mechanism, initial, meta)
	if err != nil {
		s.fatalBye("Internal login failure. Refer to server log...")
		return
	}

	s.attempt = attempt
	s.tag = tag
	s.authMechanism = mechanism
	s.authStartedAt = time.Now()
	s.state = StateAuthenticating

	go s.forwardContinuations(attempt)
	go s.forwardResult(attempt)
}

func (s *Session) forwardContinuations(attempt *auth.Attempt) {
	for challenge := range attempt.Continuation() {
		s.authContinueCh <- challenge
	}
}

func (s *Session) forwardResult(attempt *auth.Attempt) {
	outcome, ok := <-attempt.Result()
	if ok {
		s.authResultCh <- outcome
	}
}
