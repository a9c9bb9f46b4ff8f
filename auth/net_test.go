package auth_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-pluto/imaplogind/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetBrokerSubmitAndSuccessResult(t *testing.T) {

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	dialed := make(chan struct{})
	broker := auth.NewNetBroker(func(ctx context.Context) (net.Conn, error) {
		close(dialed)
		return clientSide, nil
	}, []string{"PLAIN"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go broker.Run(ctx)

	select {
	case <-dialed:
	case <-time.After(time.Second):
		t.Fatal("broker never dialed")
	}

	require.Eventually(t, broker.IsConnected, time.Second, 10*time.Millisecond)

	scanner := bufio.NewScanner(serverSide)
	requestLine := make(chan string, 1)
	go func() {
		scanner.Scan()
		requestLine <- scanner.Text()
	}()

	attempt, err := broker.Submit(context.Background(), "PLAIN", []byte("alice\x00secret"), auth.Metadata{Secured: true, PeerIP: "127.0.0.1"})
	require.NoError(t, err)

	var line string
	select {
	case line = <-requestLine:
	case <-time.After(time.Second):
		t.Fatal("auth service never received SUBMIT request")
	}

	fields := strings.Fields(line)
	require.Equal(t, "SUBMIT", fields[0])
	id := fields[1]

	_, err = serverSide.Write([]byte("RESULT " + id + " OK alice sesskey ticket123\n"))
	require.NoError(t, err)

	select {
	case outcome := <-attempt.Result():
		assert.Equal(t, auth.OutcomeSuccess, outcome.Kind)
		assert.Equal(t, "alice", outcome.VirtualUser)
		assert.Equal(t, "ticket123", outcome.HandoffTicket)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestNetBrokerSubmitAndContinuation(t *testing.T) {

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	broker := auth.NewNetBroker(func(ctx context.Context) (net.Conn, error) {
		return clientSide, nil
	}, []string{"PLAIN"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go broker.Run(ctx)
	require.Eventually(t, broker.IsConnected, time.Second, 10*time.Millisecond)

	scanner := bufio.NewScanner(serverSide)
	requestLine := make(chan string, 1)
	go func() {
		scanner.Scan()
		requestLine <- scanner.Text()
	}()

	attempt, err := broker.Submit(context.Background(), "LOGIN", nil, auth.Metadata{Secured: true})
	require.NoError(t, err)

	line := <-requestLine
	id := strings.Fields(line)[1]

	challenge := base64.StdEncoding.EncodeToString([]byte("Username:"))
	_, err = serverSide.Write([]byte("CONTINUATION " + id + " " + challenge + "\n"))
	require.NoError(t, err)

	select {
	case got := <-attempt.Continuation():
		assert.Equal(t, "Username:", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for continuation")
	}
}

func TestNetBrokerNotConnectedRejectsSubmit(t *testing.T) {

	broker := auth.NewNetBroker(func(ctx context.Context) (net.Conn, error) {
		return nil, assertNeverCalledErr
	}, []string{"PLAIN"})

	_, err := broker.Submit(context.Background(), "PLAIN", []byte("a\x00b"), auth.Metadata{})
	require.Error(t, err)
}

var assertNeverCalledErr = &dialError{}

type dialError struct{}

func (*dialError) Error() string { return "dial should not have been attempted" }

func TestNetBrokerReconnectNotifiesSubscribers(t *testing.T) {

	serverSide1, clientSide1 := net.Pipe()
	defer serverSide1.Close()

	calls := make(chan struct{}, 4)

	broker := auth.NewNetBroker(func(ctx context.Context) (net.Conn, error) {
		return clientSide1, nil
	}, []string{"PLAIN"})

	broker.OnReconnect(func() {
		calls <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go broker.Run(ctx)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("OnReconnect was never invoked")
	}
}
