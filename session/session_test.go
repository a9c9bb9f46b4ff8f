package session_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-pluto/imaplogind/auth"
	"github.com/go-pluto/imaplogind/handoff"
	"github.com/go-pluto/imaplogind/session"
	"github.com/go-pluto/imaplogind/types"
)

type fakeHandoff struct {
	mu       sync.Mutex
	identity handoff.Identity
	preread  []byte
	called   bool
}

func (f *fakeHandoff) Handoff(_ context.Context, conn net.Conn, preread []byte, identity handoff.Identity) error {
	f.mu.Lock()
	f.identity = identity
	f.preread = preread
	f.called = true
	f.mu.Unlock()
	return conn.Close()
}

func (f *fakeHandoff) Abort(string) {}

func (f *fakeHandoff) wasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

func baseConfig() *types.Config {
	return &types.Config{
		Greeting:           "imaplogind ready.",
		GreetingCapability: true,
		CapabilityString:   "IMAP4rev1",
		MaxBadCommands:     3,
	}
}

func newTestSession(t *testing.T, cfg *types.Config, broker auth.Broker, hc handoff.Client, tlsAlready bool) (*session.Session, net.Conn, func()) {
	t.Helper()

	server, client := net.Pipe()

	deps := session.Deps{
		AuthBroker:    broker,
		HandoffClient: hc,
		Remove:        func(string) {},
		Logger:        log.NewNopLogger(),
	}

	s := session.New(server, cfg, deps, tlsAlready)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	return s, client, cancel
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	_ = r.Buffered()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestCapabilityCompletes(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	_, client, cancel := newTestSession(t, baseConfig(), broker, &fakeHandoff{}, true)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r) // greeting

	_, err = client.Write([]byte("a1 CAPABILITY\r\n"))
	require.NoError(t, err)

	untagged := readLine(t, r)
	tagged := readLine(t, r)

	assert.Contains(t, untagged, "* CAPABILITY IMAP4rev1")
	assert.Equal(t, "a1 OK Capability completed.\r\n", tagged)
}

func TestNoopCompletes(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	_, client, cancel := newTestSession(t, baseConfig(), broker, &fakeHandoff{}, true)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 NOOP\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 OK NOOP completed.\r\n", readLine(t, r))
}

func TestLogoutSendsByeAndCompletes(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	_, client, cancel := newTestSession(t, baseConfig(), broker, &fakeHandoff{}, true)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 LOGOUT\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "* BYE Logging out\r\n", readLine(t, r))
	assert.Equal(t, "a1 OK Logout completed.\r\n", readLine(t, r))
}

func TestUnknownCommandIsBad(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	_, client, cancel := newTestSession(t, baseConfig(), broker, &fakeHandoff{}, true)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 BOGUS\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 BAD Error in IMAP command received by server.\r\n", readLine(t, r))
}

func TestTooManyBadCommandsDisconnects(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.MaxBadCommands = 2

	_, client, cancel := newTestSession(t, cfg, broker, &fakeHandoff{}, true)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 BOGUS\r\n"))
	require.NoError(t, err)
	readLine(t, r)

	_, err = client.Write([]byte("a2 BOGUS\r\n"))
	require.NoError(t, err)
	readLine(t, r)

	assert.Equal(t, "* BYE Too many invalid IMAP commands.\r\n", readLine(t, r))
}

func TestStartTLSRejectedWhenAlreadyActive(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.SSLInitialized = true

	_, client, cancel := newTestSession(t, cfg, broker, &fakeHandoff{}, true)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 STARTTLS\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 BAD TLS is already active.\r\n", readLine(t, r))
}

func TestStartTLSRejectedWhenDisabled(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.SSLInitialized = false

	_, client, cancel := newTestSession(t, cfg, broker, &fakeHandoff{}, false)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 STARTTLS\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 BAD TLS support isn't enabled.\r\n", readLine(t, r))
}

func TestLoginRejectedWhenPlaintextDisabled(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.DisablePlaintextAuth = true

	_, client, cancel := newTestSession(t, cfg, broker, &fakeHandoff{}, false)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 LOGIN alice secret\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 NO Plaintext authentication disabled.\r\n", readLine(t, r))
}

func TestLoginWrongPasswordFails(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	_, client, cancel := newTestSession(t, baseConfig(), broker, &fakeHandoff{}, false)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 LOGIN alice wrong\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 NO Name and / or password wrong\r\n", readLine(t, r))
}

func TestLoginSuccessHandsOffToBackend(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	hc := &fakeHandoff{}

	_, client, cancel := newTestSession(t, baseConfig(), broker, hc, false)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	_, err = client.Write([]byte("a1 LOGIN alice secret\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "a1 OK Logged in.\r\n", readLine(t, r))

	require.Eventually(t, hc.wasCalled, time.Second, 10*time.Millisecond)

	hc.mu.Lock()
	assert.Equal(t, "alice", hc.identity.VirtualUser)
	hc.mu.Unlock()
}

func TestLoginSuccessForwardsPipelinedBytesAsPreread(t *testing.T) {

	broker, err := auth.NewFileBroker(writeAccountsFile(t, "alice:secret\n"), ":")
	require.NoError(t, err)

	hc := &fakeHandoff{}

	_, client, cancel := newTestSession(t, baseConfig(), broker, hc, false)
	defer cancel()

	r := bufio.NewReader(client)
	readLine(t, r)

	// The client pipelines a byte behind LOGIN, simulating the
	// backend protocol data a real mail client sends immediately
	// after login without waiting for the tagged OK. This never
	// reaches the backend connection's io.Copy relay, so it must be
	// recovered from the parser and forwarded explicitly.
	_, err = client.Write([]byte("a1 LOGIN alice secret\r\nEXTRA"))
	require.NoError(t, err)

	assert.Equal(t, "a1 OK Logged in.\r\n", readLine(t, r))

	require.Eventually(t, hc.wasCalled, time.Second, 10*time.Millisecond)

	hc.mu.Lock()
	assert.Equal(t, []byte("EXTRA"), hc.preread)
	hc.mu.Unlock()
}

func writeAccountsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}
